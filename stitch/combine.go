package stitch

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/base/traverse"
)

// combineQueueSize bounds the number of shard files held open ahead
// of the copy loop.
const combineQueueSize = 16

// ShardRef names one shard artifact awaiting concatenation.
type ShardRef struct {
	Key  ShardKey
	Path string
}

// CombineShards concatenates the shard artifacts, in shard key order,
// into one file at dst, and appends trailer after the last shard.
// The input order of shards carries no meaning; ordering is recovered
// here by an explicit sort on the keys.
//
// Shards are streamed, not buffered: the copy loop holds at most
// combineQueueSize open shards, prefetched in parallel and handed
// over in key order.
//
// Every shard must exist before any byte is written to dst; a missing
// shard means an upstream producer did not complete, and CombineShards
// returns a NotExist error without creating dst.  On a copy failure
// the partial dst is removed, so a final file exists only when it is
// complete.
func CombineShards(ctx context.Context, dst string, shards []ShardRef, trailer []byte) error {
	sorted := make([]ShardRef, len(shards))
	copy(sorted, shards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	for _, s := range sorted {
		if _, err := file.Stat(ctx, s.Path); err != nil {
			return errors.E(errors.NotExist, fmt.Sprintf("combine %s: missing shard %s", dst, s.Path), err)
		}
	}

	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, fmt.Sprintf("combine %s: create", dst))
	}
	if err = copyShards(ctx, out.Writer(ctx), sorted, trailer); err == nil {
		err = out.Close(ctx)
	} else {
		_ = out.Close(ctx)
		if rmErr := file.Remove(ctx, dst); rmErr != nil {
			log.Error.Printf("combine %s: removing partial output: %v", dst, rmErr)
		}
	}
	if err != nil {
		return errors.E(err, fmt.Sprintf("combine %s", dst))
	}
	log.Debug.Printf("combine %s: concatenated %d shards, %d trailer bytes", dst, len(sorted), len(trailer))
	return nil
}

func copyShards(ctx context.Context, w io.Writer, sorted []ShardRef, trailer []byte) error {
	queue := syncqueue.NewOrderedQueue(combineQueueSize)
	go func() {
		err := traverse.Each(len(sorted), func(i int) error {
			in, err := file.Open(ctx, sorted[i].Path)
			if err != nil {
				return errors.E(errors.NotExist, fmt.Sprintf("missing shard %s", sorted[i].Path), err)
			}
			return queue.Insert(i, in)
		})
		queue.Close(err)
	}()

	for {
		entry, ok, err := queue.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		in := entry.(file.File)
		_, err = io.Copy(w, in.Reader(ctx))
		if closeErr := in.Close(ctx); err == nil {
			err = closeErr
		}
		if err != nil {
			queue.Close(err)
			return err
		}
	}
	_, err := w.Write(trailer)
	return err
}
