package stitch

import (
	"sort"

	"github.com/grailbio/hts/sam"
)

// PartitionRecords splits records into key-ordered partitions:
// records are grouped by reference in header order, each reference's
// run is chopped into chunks of at most recordsPerShard, and records
// without a coordinate form the trailing unmapped partitions.
// Records are sorted by coordinate first, so callers may pass them in
// any order.
//
// This is the in-process stand-in for the upstream partitioner: a
// distributed runner would produce the same disjoint, collectively
// exhaustive partitions from its own sharding of the input.
func PartitionRecords(records []*sam.Record, recordsPerShard int) []Partition {
	if recordsPerShard <= 0 {
		recordsPerShard = 1 << 20
	}
	sorted := make([]*sam.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := recordRank(sorted[i]), recordRank(sorted[j])
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Pos < sorted[j].Pos
	})

	var partitions []Partition
	for start := 0; start < len(sorted); {
		refID := recordRefID(sorted[start])
		end := start
		for end < len(sorted) && recordRefID(sorted[end]) == refID && end-start < recordsPerShard {
			end++
		}
		chunk := 0
		if n := len(partitions); n > 0 && partitions[n-1].Key.RefID == refID {
			chunk = partitions[n-1].Key.Chunk + 1
		}
		partitions = append(partitions, Partition{
			Key:     ShardKey{RefID: refID, Chunk: chunk},
			Records: sorted[start:end],
		})
		start = end
	}
	return partitions
}

func recordRank(r *sam.Record) int {
	return ShardKey{RefID: recordRefID(r)}.rank()
}

// AnchorFromPartitions returns the coordinate of the first record of
// the run in final output order, for use as the broadcast anchor.
// The second return value is false when no partition holds a mapped
// record, in which case no shard would carry the header and the
// caller must refuse to run.
func AnchorFromPartitions(partitions []Partition) (string, int, bool) {
	var first *sam.Record
	var firstKey ShardKey
	for _, p := range partitions {
		if len(p.Records) == 0 {
			continue
		}
		if first == nil || p.Key.Less(firstKey) {
			first = p.Records[0]
			firstKey = p.Key
		}
	}
	if first == nil || first.Ref == nil || first.Pos < 0 {
		return "", 0, false
	}
	return first.Ref.Name(), first.Pos, true
}
