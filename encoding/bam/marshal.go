package bam

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/grailbio/hts/sam"
)

// bamFixedBytes is the size of the fixed-length prefix of a BAM
// record, not counting the block_size field itself.
const bamFixedBytes = 32

var (
	errNameAbsentOrTooLong           = errors.New("bam: name absent or too long")
	errSequenceQualityLengthMismatch = errors.New("bam: sequence/quality length mismatch")
)

// buildAux appends to buf a byte slice that represents a slice of
// sam.Aux fields.
func buildAux(aa []sam.Aux, buf []byte) []byte {
	for _, a := range aa {
		buf = append(buf, []byte(a)...)
		switch a.Type() {
		case 'Z', 'H':
			buf = append(buf, 0)
		}
	}
	return buf
}

type binaryWriter struct {
	w   *bytes.Buffer
	buf [4]byte
}

func (w *binaryWriter) writeUint8(v uint8) {
	w.buf[0] = v
	w.w.Write(w.buf[:1])
}

func (w *binaryWriter) writeUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	w.w.Write(w.buf[:2])
}

func (w *binaryWriter) writeInt32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[:4], uint32(v))
	w.w.Write(w.buf[:4])
}

func (w *binaryWriter) writeUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.w.Write(w.buf[:4])
}

// Marshal serializes the record in BAM binary format, appending it to
// buf.
func Marshal(r *sam.Record, buf *bytes.Buffer) error {
	if len(r.Name) == 0 || len(r.Name) > 254 {
		return errNameAbsentOrTooLong
	}
	if r.Qual != nil && len(r.Qual) != r.Seq.Length {
		return errSequenceQualityLengthMismatch
	}
	tags := buildAux(r.AuxFields, nil)
	bin := binaryWriter{w: buf}
	recLen := bamFixedBytes +
		len(r.Name) + 1 + // Null terminated.
		len(r.Cigar)<<2 + // CigarOps are 4 bytes.
		len(r.Seq.Seq) +
		r.Seq.Length +
		len(tags)

	// Write record header data.
	bin.writeInt32(int32(recLen))
	bin.writeInt32(int32(r.Ref.ID()))
	bin.writeInt32(int32(r.Pos))
	bin.writeUint8(byte(len(r.Name) + 1))
	bin.writeUint8(r.MapQ)
	bin.writeUint16(uint16(r.Bin()))
	bin.writeUint16(uint16(len(r.Cigar)))
	bin.writeUint16(uint16(r.Flags))
	bin.writeInt32(int32(r.Seq.Length))
	bin.writeInt32(int32(r.MateRef.ID()))
	bin.writeInt32(int32(r.MatePos))
	bin.writeInt32(int32(r.TempLen))

	// Write variable length data.
	buf.WriteString(r.Name)
	buf.WriteByte(0)
	for _, o := range r.Cigar {
		bin.writeUint32(uint32(o))
	}
	for _, d := range r.Seq.Seq {
		buf.WriteByte(byte(d))
	}
	if r.Qual != nil {
		buf.Write(r.Qual)
	} else {
		for i := 0; i < r.Seq.Length; i++ {
			buf.WriteByte(0xff)
		}
	}
	buf.Write(tags)
	return nil
}

// MarshalHeader encodes header in BAM binary format.
func MarshalHeader(header *sam.Header) ([]byte, error) {
	bb := bytes.Buffer{}
	if err := header.EncodeBinary(&bb); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}
