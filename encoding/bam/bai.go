package bam

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/hts/bgzf"
)

// baiMagic is the 4-byte magic at the start of a .bai file.
var baiMagic = [4]byte{'B', 'A', 'I', 0x1}

const (
	// MetadataBinNum is the pseudo-bin number that holds per-reference
	// metadata (mapped/unmapped counts) in a .bai file.
	MetadataBinNum = 37450

	// LinearIndexShift is the bit shift of the 16kbp linear index
	// windows of a .bai file.
	LinearIndexShift = 14
)

// Index represents the content of a .bai index file (for use with a
// .bam file).
type Index struct {
	Magic         [4]byte
	Refs          []Reference
	UnmappedCount *uint64
}

// Reference represents the data indexed for one reference sequence
// within a .bai file.
type Reference struct {
	Bins      []Bin
	Intervals []bgzf.Offset
	Meta      Metadata
}

// Bin represents the bin data within a .bai file.
type Bin struct {
	BinNum uint32
	Chunks []Chunk
}

// Chunk is a half-open virtual offset range within a .bam file.
type Chunk struct {
	Begin bgzf.Offset
	End   bgzf.Offset
}

// Metadata represents the pseudo-bin metadata within a .bai file.
type Metadata struct {
	UnmappedBegin uint64
	UnmappedEnd   uint64
	MappedCount   uint64
	UnmappedCount uint64
}

// RegionBin returns the number of the smallest .bai bin that fully
// contains the zero-based half-open region [beg, end).  See section
// 5.3 of the SAM/BAM spec.
func RegionBin(beg, end int) uint32 {
	end--
	switch {
	case beg>>14 == end>>14:
		return uint32(((1<<15)-1)/7 + (beg >> 14))
	case beg>>17 == end>>17:
		return uint32(((1<<12)-1)/7 + (beg >> 17))
	case beg>>20 == end>>20:
		return uint32(((1<<9)-1)/7 + (beg >> 20))
	case beg>>23 == end>>23:
		return uint32(((1<<6)-1)/7 + (beg >> 23))
	case beg>>26 == end>>26:
		return uint32(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}

// IndexEncoder emits the raw little-endian binary sections of a .bai
// file.  The sections are self-delimiting, so an encoder may produce
// any contiguous run of references; concatenating a preamble, the
// per-reference sections for references 0..n_ref-1 in order, and an
// 8-byte unmapped count yields a complete index.
type IndexEncoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

// NewIndexEncoder returns an IndexEncoder writing to w.
func NewIndexEncoder(w io.Writer) *IndexEncoder {
	return &IndexEncoder{w: w}
}

func (e *IndexEncoder) writeUint32(v uint32) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	_, e.err = e.w.Write(e.buf[:4])
}

func (e *IndexEncoder) writeUint64(v uint64) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	_, e.err = e.w.Write(e.buf[:8])
}

// Preamble writes the .bai magic and the number of references.  It
// must come first in the final file, before the section for reference
// 0.
func (e *IndexEncoder) Preamble(nRef int) error {
	if e.err == nil {
		_, e.err = e.w.Write(baiMagic[:])
	}
	e.writeUint32(uint32(nRef))
	return e.err
}

// Reference writes the complete section for one reference: its bins
// (including the metadata pseudo-bin when ref.Meta is nonzero) and
// its linear index.
func (e *IndexEncoder) Reference(ref Reference) error {
	nBin := len(ref.Bins)
	hasMeta := ref.Meta != (Metadata{})
	if hasMeta {
		nBin++
	}
	e.writeUint32(uint32(nBin))
	for _, bin := range ref.Bins {
		e.writeUint32(bin.BinNum)
		e.writeUint32(uint32(len(bin.Chunks)))
		for _, c := range bin.Chunks {
			e.writeUint64(FromOffset(c.Begin))
			e.writeUint64(FromOffset(c.End))
		}
	}
	if hasMeta {
		e.writeUint32(MetadataBinNum)
		e.writeUint32(2)
		e.writeUint64(ref.Meta.UnmappedBegin)
		e.writeUint64(ref.Meta.UnmappedEnd)
		e.writeUint64(ref.Meta.MappedCount)
		e.writeUint64(ref.Meta.UnmappedCount)
	}
	e.writeUint32(uint32(len(ref.Intervals)))
	for _, iv := range ref.Intervals {
		e.writeUint64(FromOffset(iv))
	}
	return e.err
}

// UnmappedCount writes the trailing count of records without
// coordinates.  EncodeUnmappedCount is the standalone equivalent.
func (e *IndexEncoder) UnmappedCount(n uint64) error {
	e.writeUint64(n)
	return e.err
}

// EncodeUnmappedCount returns the 8-byte little-endian encoding of
// the no-coordinate record count, the form it takes as a .bai file
// trailer.
func EncodeUnmappedCount(n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return buf[:]
}

// ReadIndex parses the content of r and returns an Index, or nil and
// an error.
func ReadIndex(r io.Reader) (*Index, error) {
	i := &Index{}

	if _, err := io.ReadFull(r, i.Magic[0:]); err != nil {
		return nil, err
	}
	if i.Magic != baiMagic {
		return nil, fmt.Errorf("bam index invalid magic: %v", i.Magic)
	}

	var refCount int32
	if err := binary.Read(r, binary.LittleEndian, &refCount); err != nil {
		return nil, err
	}
	i.Refs = make([]Reference, refCount)

	for refID := 0; int32(refID) < refCount; refID++ {
		var binCount int32
		if err := binary.Read(r, binary.LittleEndian, &binCount); err != nil {
			return nil, err
		}
		ref := Reference{
			Bins: make([]Bin, 0, binCount),
		}
		for b := 0; int32(b) < binCount; b++ {
			var binNum uint32
			if err := binary.Read(r, binary.LittleEndian, &binNum); err != nil {
				return nil, err
			}
			var chunkCount int32
			if err := binary.Read(r, binary.LittleEndian, &chunkCount); err != nil {
				return nil, err
			}
			bin := Bin{
				BinNum: binNum,
				Chunks: make([]Chunk, chunkCount),
			}
			for c := 0; int32(c) < chunkCount; c++ {
				var beginOffset, endOffset uint64
				if err := binary.Read(r, binary.LittleEndian, &beginOffset); err != nil {
					return nil, err
				}
				if err := binary.Read(r, binary.LittleEndian, &endOffset); err != nil {
					return nil, err
				}
				bin.Chunks[c] = Chunk{
					Begin: ToOffset(beginOffset),
					End:   ToOffset(endOffset),
				}
			}

			if binNum == MetadataBinNum {
				// The metadata chunk goes in ref.Meta instead of ref.Bins.
				if len(bin.Chunks) != 2 {
					return nil, fmt.Errorf("invalid metadata chunk has %d chunks, should have 2", len(bin.Chunks))
				}
				ref.Meta = Metadata{
					UnmappedBegin: FromOffset(bin.Chunks[0].Begin),
					UnmappedEnd:   FromOffset(bin.Chunks[0].End),
					MappedCount:   FromOffset(bin.Chunks[1].Begin),
					UnmappedCount: FromOffset(bin.Chunks[1].End),
				}
			} else {
				ref.Bins = append(ref.Bins, bin)
			}
		}

		var intervalCount int32
		if err := binary.Read(r, binary.LittleEndian, &intervalCount); err != nil {
			return nil, err
		}
		ref.Intervals = make([]bgzf.Offset, intervalCount)
		for inv := 0; int32(inv) < intervalCount; inv++ {
			var ioffset uint64
			if err := binary.Read(r, binary.LittleEndian, &ioffset); err != nil {
				return nil, err
			}
			ref.Intervals[inv] = ToOffset(ioffset)
		}
		i.Refs[refID] = ref
	}

	var unmappedCount uint64
	if err := binary.Read(r, binary.LittleEndian, &unmappedCount); err == nil {
		i.UnmappedCount = &unmappedCount
	} else if err != io.EOF {
		return nil, err
	}
	return i, nil
}

// ToOffset unpacks a uint64 virtual offset.
func ToOffset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{
		File:  int64(voffset >> 16),
		Block: uint16(voffset),
	}
}

// FromOffset packs offset into the uint64 virtual-offset form used
// on disk.
func FromOffset(offset bgzf.Offset) uint64 {
	return uint64(offset.File<<16) | uint64(offset.Block)
}
