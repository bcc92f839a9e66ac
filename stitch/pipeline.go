package stitch

import (
	"context"

	"github.com/grailbio/bamstitch/encoding/bam"
	"github.com/grailbio/bamstitch/encoding/bgzf"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Options configures one pipeline run.
type Options struct {
	// Output is the path of the final BAM file.  The index is written
	// next to it at Output+".bai".
	Output string

	// ScratchDir holds the shard artifacts while the run is in
	// flight.  It must be writable and should not be shared between
	// concurrent runs.
	ScratchDir string

	// RefsPerIndexShard is the number of references indexed by one
	// index shard task.  Zero means one reference per shard.
	RefsPerIndexShard int
}

// Stitch runs the full assembly pipeline: every partition is written
// as a bgzf shard in parallel, the per-shard statistics are summed,
// the shards are concatenated in key order with the bgzf terminator,
// and then - only then - the index shards are written from the
// finished BAM's identity and the aggregated sizes, summed again, and
// concatenated with the no-coordinate count trailer.
//
// Each stage is a barrier: no task of a later stage starts until
// every task of the earlier stage has completed and its outputs are
// durable.  In particular the index stage needs both the finished BAM
// path and the complete size aggregation, so both aggregates are
// settled before it begins.  Any task failure aborts the run before
// the next stage; a final file is never published from a failed run.
//
// On success Stitch returns the two final paths, BAM then index.
func Stitch(ctx context.Context, opts Options, info HeaderInfo, partitions []Partition) (string, string, error) {
	if opts.Output == "" || opts.ScratchDir == "" {
		return "", "", errors.E(errors.Invalid, "stitch: Output and ScratchDir are required")
	}

	// Stage 1: encode the header once.  Every worker decodes its own
	// copy, the same way a distributed runner would ship it.
	headerBytes, err := info.Encode()
	if err != nil {
		return "", "", err
	}

	// Stage 2: write data shards.
	log.Debug.Printf("stitch %s: writing %d data shards", opts.Output, len(partitions))
	results := make([]ShardResult, len(partitions))
	err = traverse.Each(len(partitions), func(i int) error {
		workerInfo, err := DecodeHeaderInfo(headerBytes)
		if err != nil {
			return err
		}
		results[i], err = WriteShard(ctx, opts.ScratchDir, partitions[i], workerInfo)
		return err
	})
	if err != nil {
		return "", "", err
	}

	// Stage 3: aggregate the shard statistics.  Associativity makes
	// the grouping irrelevant; here they are summed in one pass.
	stats := NewShardStats()
	var shardRefs []ShardRef
	for _, r := range results {
		stats.Merge(r.Stats)
		if r.Path != "" {
			shardRefs = append(shardRefs, ShardRef{Key: r.Key, Path: r.Path})
		}
	}
	if err := ValidateStats(info.Header, stats); err != nil {
		return "", "", err
	}

	// Stage 4: concatenate the data shards behind the aggregation
	// barrier.
	if err := CombineShards(ctx, opts.Output, shardRefs, bgzf.Terminator); err != nil {
		return "", "", err
	}
	log.Printf("stitch: wrote %s (%d shards, %d no-coordinate records)",
		opts.Output, len(shardRefs), stats.NoCoordCount)

	// Stage 5: write index shards.  These consume the finished BAM's
	// identity and the full aggregates, never partial totals.
	groups := ReferenceGroups(len(info.Header.Refs()), opts.RefsPerIndexShard)
	indexResults := make([]ShardResult, len(groups))
	err = traverse.Each(len(groups), func(i int) error {
		workerInfo, err := DecodeHeaderInfo(headerBytes)
		if err != nil {
			return err
		}
		indexResults[i], err = WriteIndexShard(ctx, opts.ScratchDir, groups[i], workerInfo, opts.Output, stats)
		return err
	})
	if err != nil {
		return "", "", err
	}

	// Stage 6: aggregate the index statistics.
	indexStats := NewShardStats()
	var indexRefs []ShardRef
	for _, r := range indexResults {
		indexStats.Merge(r.Stats)
		if r.Path != "" {
			indexRefs = append(indexRefs, ShardRef{Key: r.Key, Path: r.Path})
		}
	}

	// Stage 7: concatenate the index shards; the trailer is the
	// aggregated no-coordinate count.
	baiPath := opts.Output + ".bai"
	trailer := bam.EncodeUnmappedCount(uint64(indexStats.NoCoordCount))
	if err := CombineShards(ctx, baiPath, indexRefs, trailer); err != nil {
		return "", "", err
	}
	log.Printf("stitch: wrote %s (%d index shards)", baiPath, len(indexRefs))
	return opts.Output, baiPath, nil
}
