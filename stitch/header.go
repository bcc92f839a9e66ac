// Package stitch assembles a BAM file and its .bai index from shards
// written in parallel.  Records are partitioned upstream into
// key-ordered partitions; each partition becomes one self-contained
// bgzf shard, per-reference compressed sizes are aggregated across
// shards, the shards are concatenated in key order behind a stage
// barrier, and the index is then built from the aggregated sizes and
// concatenated the same way.
package stitch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// HeaderInfo is the metadata broadcast read-only to every shard
// worker: the SAM header and the anchor coordinate, i.e. the
// reference and position of the first record of the output.  The
// shard holding the record at the anchor coordinate prepends the
// binary header to its output so that the header lands at the front
// of the concatenated file.
type HeaderInfo struct {
	Header    *sam.Header
	AnchorRef string
	AnchorPos int
}

// Encode serializes h as the anchor coordinate in ref:pos form, a
// newline, then the SAM text header.  The first newline is the only
// framing; SAM headers are line-oriented so the split is unambiguous.
func (h HeaderInfo) Encode() ([]byte, error) {
	if _, err := anchorReference(h.Header, h.AnchorRef); err != nil {
		return nil, err
	}
	text, err := h.Header.MarshalText()
	if err != nil {
		return nil, errors.E(err, "header: marshal")
	}
	return append([]byte(fmt.Sprintf("%s:%d\n", h.AnchorRef, h.AnchorPos)), text...), nil
}

// DecodeHeaderInfo parses the encoding produced by Encode.  The
// result round-trips exactly: decoding an encoded HeaderInfo yields a
// header with the same reference list and the same anchor.
func DecodeHeaderInfo(data []byte) (HeaderInfo, error) {
	sep := -1
	for i, c := range data {
		if c == '\n' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return HeaderInfo{}, errors.E(errors.Invalid, "header: missing anchor separator")
	}
	anchor := string(data[:sep])
	colon := strings.LastIndexByte(anchor, ':')
	if colon <= 0 {
		return HeaderInfo{}, errors.E(errors.Invalid, fmt.Sprintf("header: malformed anchor %q", anchor))
	}
	pos, err := strconv.Atoi(anchor[colon+1:])
	if err != nil {
		return HeaderInfo{}, errors.E(errors.Invalid, fmt.Sprintf("header: malformed anchor position %q", anchor))
	}
	header, err := sam.NewHeader(data[sep+1:], nil)
	if err != nil {
		return HeaderInfo{}, errors.E(errors.Invalid, fmt.Sprintf("header: %v", err))
	}
	info := HeaderInfo{Header: header, AnchorRef: anchor[:colon], AnchorPos: pos}
	if _, err := anchorReference(header, info.AnchorRef); err != nil {
		return HeaderInfo{}, err
	}
	return info, nil
}

// anchorReference resolves name in header's reference list.
func anchorReference(header *sam.Header, name string) (*sam.Reference, error) {
	for _, ref := range header.Refs() {
		if ref.Name() == name {
			return ref, nil
		}
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("header: anchor reference %q not in header", name))
}
