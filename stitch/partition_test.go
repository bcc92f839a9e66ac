package stitch_test

import (
	"testing"

	"github.com/grailbio/bamstitch/stitch"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/expect"
)

func TestPartitionRecords(t *testing.T) {
	header := newTestHeader(t)
	chrA, chrB := header.Refs()[0], header.Refs()[1]

	// Deliberately out of order; the partitioner sorts.
	records := []*sam.Record{
		newRecord(t, "b2", chrB, 9),
		newRecord(t, "u1", nil, -1),
		newRecord(t, "a2", chrA, 5),
		newRecord(t, "a1", chrA, 1),
		newRecord(t, "a3", chrA, 9),
		newRecord(t, "b1", chrB, 3),
	}
	partitions := stitch.PartitionRecords(records, 2)

	var keys []stitch.ShardKey
	var names []string
	for _, p := range partitions {
		keys = append(keys, p.Key)
		for _, r := range p.Records {
			names = append(names, r.Name)
		}
	}
	expect.EQ(t, names, []string{"a1", "a2", "a3", "b1", "b2", "u1"})
	expect.EQ(t, keys, []stitch.ShardKey{
		{RefID: 0, Chunk: 0},
		{RefID: 0, Chunk: 1},
		{RefID: 1, Chunk: 0},
		{RefID: stitch.UnmappedRefID, Chunk: 0},
	})

	// Partitions never straddle a reference boundary.
	for _, p := range partitions {
		expect.True(t, len(p.Records) <= 2)
	}

	anchorRef, anchorPos, ok := stitch.AnchorFromPartitions(partitions)
	expect.True(t, ok)
	expect.EQ(t, anchorRef, "chrA")
	expect.EQ(t, anchorPos, 1)
}

func TestAnchorFromPartitionsUnmappedOnly(t *testing.T) {
	records := []*sam.Record{newRecord(t, "u1", nil, -1)}
	partitions := stitch.PartitionRecords(records, 10)
	_, _, ok := stitch.AnchorFromPartitions(partitions)
	expect.True(t, !ok)
}
