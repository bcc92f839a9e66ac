package stitch

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/grailbio/bamstitch/encoding/bam"
	"github.com/grailbio/bamstitch/encoding/bgzf"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// UnmappedRefID is the reference id used for records without a
// coordinate.  Such records sort after every real reference in a
// position-sorted BAM file.
const UnmappedRefID = -1

// ShardKey establishes a shard's position in final output order: by
// reference, then by chunk ordinal within the reference.  The
// unmapped tail sorts last.
type ShardKey struct {
	RefID int // reference id, UnmappedRefID for the unmapped tail
	Chunk int // ordinal of the shard within the reference
}

// Less reports whether k orders before other in the final file.
func (k ShardKey) Less(other ShardKey) bool {
	if k.rank() != other.rank() {
		return k.rank() < other.rank()
	}
	return k.Chunk < other.Chunk
}

func (k ShardKey) rank() int {
	if k.RefID == UnmappedRefID {
		return math.MaxInt32
	}
	return k.RefID
}

// String returns a fixed-width form of the key, so that lexical sort
// of shard file names matches key order.
func (k ShardKey) String() string {
	return fmt.Sprintf("%010d-%010d", k.rank(), k.Chunk)
}

// Partition is one ordered run of records assigned to a single shard.
// Partitions are disjoint, and the union of all partitions in a run
// is the complete record set.
type Partition struct {
	Key     ShardKey
	Records []*sam.Record
}

// ShardResult describes one written shard: its key, the path of the
// artifact (empty if the partition held no records and no file was
// written), and the shard's statistic contribution.
type ShardResult struct {
	Key   ShardKey
	Path  string
	Stats ShardStats
}

// recordRefID returns the reference id a record's bytes are accounted
// to.
func recordRefID(r *sam.Record) int {
	if r.Ref == nil || r.Pos < 0 {
		return UnmappedRefID
	}
	return r.Ref.ID()
}

// hasAnchor reports whether this partition holds the record at the
// broadcast anchor coordinate, i.e. the first record of the final
// file.  Only the first chunk of a reference can hold it; later
// chunks may start at the same position when many records share a
// coordinate.
func (p Partition) hasAnchor(info HeaderInfo) bool {
	if len(p.Records) == 0 || p.Key.Chunk != 0 {
		return false
	}
	first := p.Records[0]
	return first.Ref != nil && first.Ref.Name() == info.AnchorRef && first.Pos == info.AnchorPos
}

// WriteShard writes partition p as one bgzf shard file under dir and
// returns its path and statistic contribution.  The shard holding the
// anchor record additionally gets the binary SAM header prepended, so
// that concatenation in key order yields a well-formed BAM file.
//
// An empty partition writes no file and contributes zero statistics:
// an empty bgzf stream would still occupy a block boundary in the
// final file.
//
// WriteShard is deterministic: rewriting the same partition with the
// same header produces a byte-identical shard, so a retried task is
// harmless.
func WriteShard(ctx context.Context, dir string, p Partition, info HeaderInfo) (ShardResult, error) {
	result := ShardResult{Key: p.Key, Stats: NewShardStats()}
	if len(p.Records) == 0 {
		return result, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("shard-%s.bgzf", p.Key))
	out, err := file.Create(ctx, path)
	if err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s: create %s", p.Key, path))
	}
	w, err := bgzf.NewWriter(out.Writer(ctx), gzip.DefaultCompression)
	if err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s", p.Key))
	}

	curRef := recordRefID(p.Records[0])
	if p.hasAnchor(info) {
		headerBytes, err := bam.MarshalHeader(info.Header)
		if err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s: encode header", p.Key))
		}
		if _, err := w.Write(headerBytes); err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s: write header", p.Key))
		}
	}

	var buf bytes.Buffer
	flushed := uint64(0)
	for _, rec := range p.Records {
		// Close the block at reference transitions so compressed
		// bytes are attributable per reference.
		if ref := recordRefID(rec); ref != curRef {
			if err := w.Flush(); err != nil {
				return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s", p.Key))
			}
			result.Stats.addBytes(curRef, int64(w.CompressedLen()-flushed))
			flushed = w.CompressedLen()
			curRef = ref
		}
		buf.Reset()
		if err := bam.Marshal(rec, &buf); err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s: record %s", p.Key, rec.Name))
		}
		if _, err := buf.WriteTo(w); err != nil {
			return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s", p.Key))
		}
		result.Stats.addRecord(recordRefID(rec))
	}
	if err := w.CloseWithoutTerminator(); err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s", p.Key))
	}
	result.Stats.addBytes(curRef, int64(w.CompressedLen()-flushed))
	if err := out.Close(ctx); err != nil {
		return ShardResult{}, errors.E(err, fmt.Sprintf("shard %s: close %s", p.Key, path))
	}
	result.Path = path
	return result, nil
}
