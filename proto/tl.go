// Package proto implements the closed set of TL service-message bodies
// the session core needs to recognize to drive its own state machine
// (spec.md §4.3, §4.5), plus a minimal binary encoder/decoder for
// them. Concrete RPC payload bodies beyond this set are out of scope
// per spec.md §1 and round-trip as Unknown.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Object is any TL body the session can pack or unpack.
type Object interface {
	CRC() uint32
}

// Writer accumulates a TL-encoded byte stream, in the same
// offset-tracking style as the pack's DecodeBuf/EncodeBuf pair
// (Dimonyga-tgclient/tl_decode.go).
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 64)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) UInt(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) Int(v int32) { w.UInt(uint32(v)) }

func (w *Writer) Long(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) RawBytes(b []byte) { w.buf = append(w.buf, b...) }

// StringBytes writes a TL-serialized byte string (length-prefixed,
// padded to a 4-byte boundary), per the standard TL string layout.
func (w *Writer) StringBytes(b []byte) {
	size := len(b)
	if size < 254 {
		w.buf = append(w.buf, byte(size))
		w.buf = append(w.buf, b...)
		pad := (4 - (size+1)%4) % 4
		w.buf = append(w.buf, make([]byte, pad)...)
		return
	}
	w.buf = append(w.buf, 254, byte(size), byte(size>>8), byte(size>>16))
	w.buf = append(w.buf, b...)
	pad := (4 - size%4) % 4
	w.buf = append(w.buf, make([]byte, pad)...)
}

func (w *Writer) String(s string) { w.StringBytes([]byte(s)) }

const crcVector = 0x1cb5c415

func (w *Writer) VectorLong(vs []int64) {
	w.UInt(crcVector)
	w.Int(int32(len(vs)))
	for _, v := range vs {
		w.Long(v)
	}
}

func (w *Writer) Object(o Object) {
	w.UInt(o.CRC())
	Encode(w, o)
}

// Reader parses a TL-encoded byte stream, mirroring Writer above.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(op string) {
	if r.err == nil {
		r.err = fmt.Errorf("proto: %s: short buffer", op)
	}
}

func (r *Reader) UInt() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.fail("UInt")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *Reader) Int() int32 { return int32(r.UInt()) }

func (r *Reader) Long() int64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.fail("Long")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return int64(v)
}

func (r *Reader) RawBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail("RawBytes")
		return nil
	}
	b := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return b
}

func (r *Reader) StringBytes() []byte {
	if r.err != nil {
		return nil
	}
	if r.off+1 > len(r.buf) {
		r.fail("StringBytes")
		return nil
	}
	size := int(r.buf[r.off])
	r.off++
	pad := 0
	if size == 254 {
		if r.off+3 > len(r.buf) {
			r.fail("StringBytes")
			return nil
		}
		size = int(r.buf[r.off]) | int(r.buf[r.off+1])<<8 | int(r.buf[r.off+2])<<16
		r.off += 3
		pad = (4 - size%4) % 4
	} else {
		pad = (4 - (size+1)%4) % 4
	}
	if r.off+size > len(r.buf) {
		r.fail("StringBytes")
		return nil
	}
	b := append([]byte(nil), r.buf[r.off:r.off+size]...)
	r.off += size
	if r.off+pad > len(r.buf) {
		r.fail("StringBytes padding")
		return nil
	}
	r.off += pad
	return b
}

func (r *Reader) String() string { return string(r.StringBytes()) }

func (r *Reader) VectorLong() []int64 {
	if r.UInt() != crcVector && r.err == nil {
		r.fail("VectorLong: wrong constructor")
		return nil
	}
	n := r.Int()
	out := make([]int64, 0, n)
	for i := int32(0); i < n && r.err == nil; i++ {
		out = append(out, r.Long())
	}
	return out
}

// Remaining returns the unread tail of the buffer.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }

func (r *Reader) Len() int { return len(r.buf) - r.off }

// Object reads a CRC-tagged object by consulting the registry.
func (r *Reader) Object() (Object, error) {
	crc := r.UInt()
	if r.err != nil {
		return nil, r.err
	}
	return Decode(crc, r)
}
