package ipc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Serialization helpers for the length-prefixed wire format. All integers are
// little-endian; strings carry a u32 byte-count prefix and no terminator.

// AppendUint8 appends one byte.
func AppendUint8(b []byte, v uint8) []byte {
	return append(b, v)
}

// AppendUint16 appends a little-endian u16.
func AppendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

// AppendUint32 appends a little-endian u32.
func AppendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// AppendUint64 appends a little-endian u64.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// AppendInt32 appends a little-endian i32.
func AppendInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// AppendFloat64 appends a little-endian IEEE-754 f64.
func AppendFloat64(b []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
}

// AppendString appends a u32 byte-count prefix followed by the string bytes.
func AppendString(b []byte, s string) []byte {
	b = AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// Reader consumes serialized payloads. The first decoding error sticks; check
// Err once after the reads.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps a payload for decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = fmt.Errorf("short payload: need %d bytes, have %d", n, r.Remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a little-endian u16.
func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Uint32 reads a little-endian u32.
func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint64 reads a little-endian u64.
func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Int32 reads a little-endian i32.
func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

// Float64 reads a little-endian IEEE-754 f64.
func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// String reads a u32-length-prefixed string.
func (r *Reader) String() string {
	n := r.Uint32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
