package stitch

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// ShardStats is one shard's statistic contribution: compressed bytes
// and record counts per reference touched by the shard, plus the
// number of records without a coordinate.  Stats merge by per-key
// addition, so combining any grouping of contributions in any order
// yields the same totals.
//
// Reference id -1 denotes the unmapped tail of the file, which is not
// listed in the SAM header.
type ShardStats struct {
	SizeByRef    map[int]int64
	RecordsByRef map[int]int64
	NoCoordCount int64
}

// NewShardStats returns an empty, mergeable ShardStats.
func NewShardStats() ShardStats {
	return ShardStats{
		SizeByRef:    map[int]int64{},
		RecordsByRef: map[int]int64{},
	}
}

func (s *ShardStats) addBytes(refID int, n int64) {
	if n != 0 {
		s.SizeByRef[refID] += n
	}
}

func (s *ShardStats) addRecord(refID int) {
	s.RecordsByRef[refID]++
	if refID == UnmappedRefID {
		s.NoCoordCount++
	}
}

// Merge adds other's contributions into s.
func (s *ShardStats) Merge(other ShardStats) {
	if s.SizeByRef == nil {
		s.SizeByRef = map[int]int64{}
	}
	if s.RecordsByRef == nil {
		s.RecordsByRef = map[int]int64{}
	}
	for ref, n := range other.SizeByRef {
		s.SizeByRef[ref] += n
	}
	for ref, n := range other.RecordsByRef {
		s.RecordsByRef[ref] += n
	}
	s.NoCoordCount += other.NoCoordCount
}

// CombineStats sums a set of per-shard contributions into global
// totals.
func CombineStats(contributions ...ShardStats) ShardStats {
	total := NewShardStats()
	for _, c := range contributions {
		total.Merge(c)
	}
	return total
}

// ValidateStats checks that every reference id appearing in stats is
// listed in header (the unmapped pseudo-reference excepted).  A
// mismatch means a shard writer and the header disagree about the
// reference key space, which would corrupt the index.
func ValidateStats(header *sam.Header, stats ShardStats) error {
	nRef := len(header.Refs())
	for ref := range stats.SizeByRef {
		if ref != UnmappedRefID && (ref < 0 || ref >= nRef) {
			return errors.E(errors.Precondition,
				fmt.Sprintf("stats: reference id %d has size statistics but no header entry (%d references)", ref, nRef))
		}
	}
	for ref := range stats.RecordsByRef {
		if ref != UnmappedRefID && (ref < 0 || ref >= nRef) {
			return errors.E(errors.Precondition,
				fmt.Sprintf("stats: reference id %d has record statistics but no header entry (%d references)", ref, nRef))
		}
	}
	return nil
}
