package stitch_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/bamstitch/stitch"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

var bamMagic = []byte{'B', 'A', 'M', 0x1}

// gunzip decompresses a bgzf shard's payload.
func gunzip(t *testing.T, compressed []byte) []byte {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	assert.Nil(t, err)
	payload, err := ioutil.ReadAll(r)
	assert.Nil(t, err)
	return payload
}

func testInfo(t *testing.T) stitch.HeaderInfo {
	header := newTestHeader(t)
	return stitch.HeaderInfo{Header: header, AnchorRef: "chrA", AnchorPos: 1}
}

func TestWriteShardAnchor(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()
	info := testInfo(t)
	chrA := info.Header.Refs()[0]
	chrB := info.Header.Refs()[1]

	anchored := stitch.Partition{
		Key:     stitch.ShardKey{RefID: 0, Chunk: 0},
		Records: []*sam.Record{newRecord(t, "a1", chrA, 1), newRecord(t, "a2", chrA, 5)},
	}
	other := stitch.Partition{
		Key:     stitch.ShardKey{RefID: 1, Chunk: 0},
		Records: []*sam.Record{newRecord(t, "b1", chrB, 3)},
	}

	r1, err := stitch.WriteShard(ctx, tempDir, anchored, info)
	assert.Nil(t, err)
	r2, err := stitch.WriteShard(ctx, tempDir, other, info)
	assert.Nil(t, err)

	// Only the anchored shard carries the BAM header.
	b1, err := ioutil.ReadFile(r1.Path)
	assert.Nil(t, err)
	expect.EQ(t, gunzip(t, b1)[:4], bamMagic)
	b2, err := ioutil.ReadFile(r2.Path)
	assert.Nil(t, err)
	expect.True(t, !bytes.HasPrefix(gunzip(t, b2), bamMagic))

	// Per-reference sizes cover the whole shard.
	expect.EQ(t, r1.Stats.SizeByRef[0], int64(len(b1)))
	expect.EQ(t, r2.Stats.SizeByRef[1], int64(len(b2)))
	expect.EQ(t, r1.Stats.RecordsByRef[0], int64(2))
	expect.EQ(t, r2.Stats.RecordsByRef[1], int64(1))
	expect.EQ(t, r1.Stats.NoCoordCount, int64(0))
}

func TestWriteShardIdempotent(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()
	info := testInfo(t)
	chrA := info.Header.Refs()[0]

	p := stitch.Partition{
		Key:     stitch.ShardKey{RefID: 0, Chunk: 0},
		Records: []*sam.Record{newRecord(t, "a1", chrA, 1), newRecord(t, "a2", chrA, 7)},
	}
	dir1 := filepath.Join(tempDir, "try1")
	dir2 := filepath.Join(tempDir, "try2")
	assert.Nil(t, os.MkdirAll(dir1, 0700))
	assert.Nil(t, os.MkdirAll(dir2, 0700))

	r1, err := stitch.WriteShard(ctx, dir1, p, info)
	assert.Nil(t, err)
	r2, err := stitch.WriteShard(ctx, dir2, p, info)
	assert.Nil(t, err)

	b1, err := ioutil.ReadFile(r1.Path)
	assert.Nil(t, err)
	b2, err := ioutil.ReadFile(r2.Path)
	assert.Nil(t, err)
	expect.EQ(t, b1, b2)

	// Overwriting in place is also byte-stable, so a retried task is
	// safe.
	r3, err := stitch.WriteShard(ctx, dir1, p, info)
	assert.Nil(t, err)
	expect.EQ(t, r3.Path, r1.Path)
	b3, err := ioutil.ReadFile(r3.Path)
	assert.Nil(t, err)
	expect.EQ(t, b3, b1)
}

func TestWriteShardEmptyPartition(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()
	info := testInfo(t)

	r, err := stitch.WriteShard(ctx, tempDir, stitch.Partition{Key: stitch.ShardKey{RefID: 0}}, info)
	assert.Nil(t, err)
	expect.EQ(t, r.Path, "")
	expect.EQ(t, len(r.Stats.SizeByRef), 0)
	expect.EQ(t, r.Stats.NoCoordCount, int64(0))

	// No stray file appeared.
	entries, err := ioutil.ReadDir(tempDir)
	assert.Nil(t, err)
	expect.EQ(t, len(entries), 0)
}

func TestWriteShardMixedReferences(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)
	ctx := context.Background()
	info := testInfo(t)
	chrB := info.Header.Refs()[1]

	p := stitch.Partition{
		Key: stitch.ShardKey{RefID: 1, Chunk: 0},
		Records: []*sam.Record{
			newRecord(t, "b1", chrB, 3),
			newRecord(t, "b2", chrB, 9),
			newRecord(t, "u1", nil, -1),
		},
	}
	r, err := stitch.WriteShard(ctx, tempDir, p, info)
	assert.Nil(t, err)

	b, err := ioutil.ReadFile(r.Path)
	assert.Nil(t, err)
	expect.EQ(t, r.Stats.SizeByRef[1]+r.Stats.SizeByRef[stitch.UnmappedRefID], int64(len(b)))
	expect.True(t, r.Stats.SizeByRef[1] > 0)
	expect.True(t, r.Stats.SizeByRef[stitch.UnmappedRefID] > 0)
	expect.EQ(t, r.Stats.NoCoordCount, int64(1))
	expect.EQ(t, r.Stats.RecordsByRef[stitch.UnmappedRefID], int64(1))
}

func TestShardKeyOrder(t *testing.T) {
	unmapped := stitch.ShardKey{RefID: stitch.UnmappedRefID}
	expect.True(t, stitch.ShardKey{RefID: 0}.Less(stitch.ShardKey{RefID: 1}))
	expect.True(t, stitch.ShardKey{RefID: 0, Chunk: 1}.Less(stitch.ShardKey{RefID: 1}))
	expect.True(t, stitch.ShardKey{RefID: 0}.Less(stitch.ShardKey{RefID: 0, Chunk: 1}))
	expect.True(t, stitch.ShardKey{RefID: 1}.Less(unmapped))
	expect.True(t, !unmapped.Less(stitch.ShardKey{RefID: 1}))

	// Lexical order of shard file names matches key order.
	expect.True(t, stitch.ShardKey{RefID: 1}.String() < unmapped.String())
	expect.True(t, stitch.ShardKey{RefID: 0, Chunk: 2}.String() < stitch.ShardKey{RefID: 1}.String())
}
