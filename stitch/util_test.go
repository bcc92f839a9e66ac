package stitch_test

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
)

// newTestHeader returns a header with chrA (length 100) and chrB
// (length 50).
func newTestHeader(t *testing.T) *sam.Header {
	chrA, err := sam.NewReference("chrA", "", "", 100, nil, nil)
	assert.Nil(t, err)
	chrB, err := sam.NewReference("chrB", "", "", 50, nil, nil)
	assert.Nil(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chrA, chrB})
	assert.Nil(t, err)
	return header
}

// newRecord returns a minimal 4-base record.  A nil ref makes an
// unmapped, no-coordinate record.
func newRecord(t *testing.T, name string, ref *sam.Reference, pos int) *sam.Record {
	seq := "ACGT"
	var cigar []sam.CigarOp
	mapQ := byte(0)
	if ref != nil {
		cigar = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, len(seq))}
		mapQ = 60
	}
	r, err := sam.NewRecord(name, ref, nil, pos, -1, 0, mapQ, cigar, []byte(seq), nil, nil)
	assert.Nil(t, err)
	if ref == nil {
		r.Flags |= sam.Unmapped
	}
	return r
}
