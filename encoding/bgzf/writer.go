// Package bgzf implements a writer for the .bgzf (block gzipped) file
// format.  A .bgzf file consists of one or more complete gzip blocks
// concatenated together.  Each gzip block holds at most 64KB of
// uncompressed data, and the compressed size of a block is at most
// 64KB.  The payload of the .bgzf file is the uncompressed content of
// each block, concatenated in order.  A complete .bgzf file ends with
// the 28 byte terminator block below; the terminator is a valid gzip
// block with an empty payload.
//
// Because gzip blocks are self-delimiting, .bgzf output produced by
// several writers can be concatenated byte-for-byte into one valid
// .bgzf file, as long as only the last piece carries the terminator:
//
//   // In goroutine 1
//   var shard1 bytes.Buffer
//   w, err := NewWriter(&shard1, gzip.DefaultCompression)
//   n, err := w.Write([]byte("Foo bar"))
//   err = w.CloseWithoutTerminator()
//
//   // In goroutine 2
//   var shard2 bytes.Buffer
//   w, err := NewWriter(&shard2, gzip.DefaultCompression)
//   n, err := w.Write([]byte(" baz!"))
//   err = w.CloseWithoutTerminator()
//
//   // Merge shards into the final .bgzf file.
//   var bgzfFile bytes.Buffer
//   _, err := io.Copy(&bgzfFile, &shard1)
//   _, err = io.Copy(&bgzfFile, &shard2)
//   _, err = bgzfFile.Write(Terminator)
//
// For more information about the .bgzf file format, see the SAM/BAM
// spec: https://samtools.github.io/hts-specs/SAMv1.pdf
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultUncompressedBlockSize is the default bgzf
	// uncompressedBlockSize chosen by both sambamba and biogo.  See
	// the SAM/BAM specification for details.
	DefaultUncompressedBlockSize = 0x0ff00

	// compressedBlockSize is the maximum size of the compressed data
	// for a bgzf block.  See the SAM/BAM specification for details.
	compressedBlockSize = 0x10000
)

var (
	// bgzfExtra goes into the gzip's Extra subfield, with subfield
	// ids: 66, 67, and length 2.  See the SAM/BAM spec.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// Terminator is the bgzf EOF marker.  It belongs at the end of a
	// complete .bgzf file.  See the SAM/BAM spec.
	Terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Writer compresses data into .bgzf format.  Each gzip block carries
// an Extra header subfield holding the compressed size of the block
// in bytes - 1, which is patched in after compression.  Output is
// deterministic for a given input and compression level: the gzip
// headers carry no timestamps or file names, so writing the same
// payload twice produces identical bytes.
//
// Writer does not write the terminator unless Close is called, so a
// Writer can produce one shard of a larger .bgzf file.
type Writer struct {
	level            int
	uncompressedSize int
	w                io.Writer
	gz               *gzip.Writer
	original         bytes.Buffer
	compressed       bytes.Buffer
	coffset          uint64 // file position of the current gzip block
}

// NewWriter returns a new .bgzf writer that writes compressed blocks
// to w using the given gzip compression level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	if _, err := gzip.NewWriterLevel(nil, level); err != nil {
		return nil, err
	}
	return &Writer{
		level:            level,
		uncompressedSize: DefaultUncompressedBlockSize,
		w:                w,
	}, nil
}

// Write appends buf to the .bgzf payload.  Returns the number of
// bytes consumed from buf and any error encountered.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		// Write one block at a time to avoid creating an entire copy
		// of the input buf.
		end := len(buf)

		// Account for straggler bytes left over from the previous
		// Write call.
		limit := i + w.uncompressedSize - w.original.Len()
		if limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.tryCompress(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Flush closes the current gzip block, forcing any buffered payload
// out to the underlying writer.  The next Write starts a new block.
// After Flush, CompressedLen reports a settled byte count.
func (w *Writer) Flush() error {
	return w.tryCompress(true)
}

// CloseWithoutTerminator closes the current .bgzf block, but does not
// append the .bgzf terminator.  The output is not a complete .bgzf
// file; it is one concatenable piece of one.
func (w *Writer) CloseWithoutTerminator() error {
	return w.tryCompress(true)
}

// Close closes the current .bgzf block and appends the .bgzf
// terminator.
func (w *Writer) Close() error {
	if err := w.CloseWithoutTerminator(); err != nil {
		return err
	}
	_, err := w.w.Write(Terminator)
	return err
}

// Removes blocks from w.original, compresses them, and writes the
// compressed blocks to the underlying writer.
func (w *Writer) tryCompress(compressRemainder bool) error {
	for w.original.Len() >= w.uncompressedSize || (compressRemainder && w.original.Len() > 0) {
		// Reset gzip to start a new block.
		if w.gz == nil {
			var err error
			if w.gz, err = gzip.NewWriterLevel(&w.compressed, w.level); err != nil {
				return err
			}
		} else {
			w.gz.Reset(&w.compressed)
		}
		w.gz.Extra = append([]byte(nil), bgzfExtra[:]...)
		w.gz.OS = 0xff // Unknown OS value, per the spec.

		// Compress one block.
		if w.original.Len() > 0 {
			if _, err := w.gz.Write(w.original.Next(w.uncompressedSize)); err != nil {
				return err
			}
		}
		if err := w.gz.Close(); err != nil {
			return err
		}

		// Patch the bgzf BSIZE value in the gzip Extra subfield with
		// the compressed block length - 1.
		b := w.compressed.Bytes()
		offset := 12 // This is the offset of the Extra field in the gzip header.
		bsize := w.compressed.Len() - 1
		if bsize >= compressedBlockSize {
			return fmt.Errorf("bgzf compressed block is too big: %d > %d", bsize,
				compressedBlockSize)
		}
		if w.compressed.Len() < offset+len(bgzfExtra) {
			log.Panicf("compressed length is too short: %d < %d", w.compressed.Len(),
				offset+len(bgzfExtra))
		}
		if !bytes.Equal(b[offset:offset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
			log.Panicf("could not find bgzf extra prefix")
		}
		b[offset+4] = byte(bsize)
		b[offset+5] = byte(bsize >> 8)

		// Write out the compressed block.
		sz := w.compressed.Len()
		if _, err := w.compressed.WriteTo(w.w); err != nil {
			return err
		}
		w.coffset += uint64(sz)
	}
	return nil
}

// CompressedLen returns the number of compressed bytes written to the
// underlying writer so far.  Data still buffered in the current block
// is not counted; call Flush first for an exact figure.
func (w *Writer) CompressedLen() uint64 {
	return w.coffset
}

// VOffset returns the virtual offset of the next byte to be written,
// in the packed coffset<<16|uoffset form used by BAM indexes.
func (w *Writer) VOffset() uint64 {
	return w.coffset<<16 | uint64(w.original.Len())
}
