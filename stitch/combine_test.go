package stitch_test

import (
	"context"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/bamstitch/stitch"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// writeTestShards creates shard files with distinctive content and
// returns their refs in key order together with the expected
// concatenation.
func writeTestShards(t *testing.T, dir string, n int) ([]stitch.ShardRef, []byte) {
	var refs []stitch.ShardRef
	var want []byte
	for i := 0; i < n; i++ {
		key := stitch.ShardKey{RefID: i / 2, Chunk: i % 2}
		path := filepath.Join(dir, "piece-"+key.String())
		content := []byte{byte('A' + i), byte('0' + i), '|'}
		assert.Nil(t, ioutil.WriteFile(path, content, 0600))
		refs = append(refs, stitch.ShardRef{Key: key, Path: path})
		want = append(want, content...)
	}
	return refs, want
}

func TestCombineShards(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()

	refs, want := writeTestShards(t, tempDir, 6)
	trailer := []byte("TRAILER")
	want = append(want, trailer...)

	// The shard list order must not matter; only the keys do.
	rnd := rand.New(rand.NewSource(2))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]stitch.ShardRef(nil), refs...)
		rnd.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		dst := filepath.Join(tempDir, "out")
		assert.Nil(t, stitch.CombineShards(ctx, dst, shuffled, trailer))
		got, err := ioutil.ReadFile(dst)
		assert.Nil(t, err)
		expect.EQ(t, got, want, "trial %d", trial)
	}
}

func TestCombineShardsEmptyTrailerOnly(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()

	dst := filepath.Join(tempDir, "out")
	assert.Nil(t, stitch.CombineShards(ctx, dst, nil, []byte{1, 2, 3}))
	got, err := ioutil.ReadFile(dst)
	assert.Nil(t, err)
	expect.EQ(t, got, []byte{1, 2, 3})
}

func TestCombineShardsMissingShard(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()

	refs, _ := writeTestShards(t, tempDir, 3)
	// Simulate a producer that never completed.
	refs = append(refs, stitch.ShardRef{
		Key:  stitch.ShardKey{RefID: 9},
		Path: filepath.Join(tempDir, "never-written"),
	})

	dst := filepath.Join(tempDir, "out")
	err := stitch.CombineShards(ctx, dst, refs, nil)
	expect.True(t, err != nil)
	expect.True(t, errors.Is(errors.NotExist, err), "got %v", err)

	// No partial final file was published.
	_, statErr := os.Stat(dst)
	expect.True(t, os.IsNotExist(statErr))
}
