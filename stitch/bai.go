package stitch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/bamstitch/encoding/bam"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
)

// RefGroup is the contiguous run of reference ids [StartRef,
// LimitRef) assigned to one index shard writer.  The group whose
// LimitRef equals the header's reference count also owns the unmapped
// tail and contributes the no-coordinate count for the index trailer.
type RefGroup struct {
	StartRef int
	LimitRef int
}

func (g RefGroup) String() string {
	return fmt.Sprintf("refs [%d,%d)", g.StartRef, g.LimitRef)
}

// ReferenceGroups splits nRef references into groups of at most
// perGroup, one index shard per group.
func ReferenceGroups(nRef, perGroup int) []RefGroup {
	if perGroup <= 0 {
		perGroup = 1
	}
	var groups []RefGroup
	for start := 0; start < nRef; start += perGroup {
		limit := start + perGroup
		if limit > nRef {
			limit = nRef
		}
		groups = append(groups, RefGroup{StartRef: start, LimitRef: limit})
	}
	if len(groups) == 0 {
		// Headers with no references still need the index preamble.
		groups = []RefGroup{{}}
	}
	return groups
}

// WriteIndexShard writes the .bai sections for group's references as
// one raw-binary shard file under dir.  bamPath must name the
// finished BAM file and stats must be the fully aggregated totals for
// the run: the chunk offsets below are cumulative sums over all
// shards, so partial totals would place every later reference at the
// wrong offset.  Both inputs are checked up front and a Precondition
// error is returned if either is not ready.
//
// The group containing reference 0 emits the index preamble (magic
// and reference count) ahead of its sections.  The group owning the
// unmapped tail reports the aggregated no-coordinate count as its
// statistic contribution; the second aggregation sums those and the
// total becomes the index trailer.
func WriteIndexShard(ctx context.Context, dir string, group RefGroup, info HeaderInfo, bamPath string, stats ShardStats) (ShardResult, error) {
	if _, err := file.Stat(ctx, bamPath); err != nil {
		return ShardResult{}, errors.E(errors.Precondition,
			fmt.Sprintf("index %s: BAM file %s does not exist yet", group, bamPath), err)
	}
	if stats.SizeByRef == nil || stats.RecordsByRef == nil {
		return ShardResult{}, errors.E(errors.Precondition,
			fmt.Sprintf("index %s: size statistics have not been aggregated", group))
	}
	if err := ValidateStats(info.Header, stats); err != nil {
		return ShardResult{}, err
	}

	refs := info.Header.Refs()
	key := ShardKey{RefID: group.StartRef}
	result := ShardResult{Key: key, Stats: NewShardStats()}
	if group.LimitRef >= len(refs) {
		result.Stats.NoCoordCount = stats.NoCoordCount
	}

	path := filepath.Join(dir, fmt.Sprintf("bai-shard-%s.bin", key))
	out, err := file.Create(ctx, path)
	if err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("index %s: create %s", group, path))
	}
	enc := bam.NewIndexEncoder(out.Writer(ctx))
	if group.StartRef == 0 {
		if err := enc.Preamble(len(refs)); err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("index %s", group))
		}
	}
	for refID := group.StartRef; refID < group.LimitRef; refID++ {
		if err := enc.Reference(referenceIndex(refs[refID], refID, stats)); err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("index %s: reference %d", group, refID))
		}
	}
	if err := out.Close(ctx); err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("index %s: close %s", group, path))
	}
	result.Path = path
	return result, nil
}

// referenceIndex builds the .bai section for one reference from the
// aggregated sizes: the reference's records span the compressed byte
// range [start, start+size), where start is the sum of the sizes of
// all earlier references.  The header bytes are part of the anchor
// shard's contribution, so no separate header offset is needed.
func referenceIndex(ref *sam.Reference, refID int, stats ShardStats) bam.Reference {
	size := stats.SizeByRef[refID]
	if size == 0 {
		return bam.Reference{}
	}
	var start int64
	for r := 0; r < refID; r++ {
		start += stats.SizeByRef[r]
	}
	begin := bgzf.Offset{File: start}
	end := bgzf.Offset{File: start + size}

	refLen := ref.Len()
	nIntv := (refLen + (1 << bam.LinearIndexShift) - 1) >> bam.LinearIndexShift
	section := bam.Reference{
		Bins: []bam.Bin{{
			BinNum: bam.RegionBin(0, refLen),
			Chunks: []bam.Chunk{{Begin: begin, End: end}},
		}},
		Meta: bam.Metadata{
			UnmappedBegin: bam.FromOffset(begin),
			UnmappedEnd:   bam.FromOffset(end),
			MappedCount:   uint64(stats.RecordsByRef[refID]),
		},
	}
	for i := 0; i < nIntv; i++ {
		section.Intervals = append(section.Intervals, begin)
	}
	return section
}
