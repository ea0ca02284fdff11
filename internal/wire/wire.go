// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the binary field encodings used by nrpc packets.
//
// Fixed-width integers are big-endian. Variable-length strings carry a
// [Vint30] length prefix.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates encoded fields. The zero value is an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends ok as a single byte, 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Byte appends a single byte.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Raw appends data without framing.
func (b *Builder) Raw(data []byte) { b.buf = append(b.buf, data...) }

// String appends a length-prefixed string.
func (b *Builder) String(s string) {
	b.Grow(VLen(len(s)))
	b.buf = Vint30(len(s)).Append(b.buf)
	b.buf = append(b.buf, s...)
}

// Uint16 appends v in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Len reports the number of bytes written to b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the contents of b. The caller must not modify the result
// unless b is no longer used.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow ensures at least n more bytes fit in b without reallocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner decodes fields from the front of an input buffer. Methods report
// [io.ErrUnexpectedEOF] when the input ends inside a field.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a scanner over input. The scanner does not copy
// input, and slices it returns alias it.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Byte scans a single byte.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Bool scans a single byte as a Boolean; any non-zero value is true.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint16 scans a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint16(s.rest)
	s.advance(2)
	return out, nil
}

// Uint32 scans a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.advance(4)
	return out, nil
}

// Vint30 scans a single [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.advance(nb)
	return int(w >> 2), nil
}

// String scans a length-prefixed string.
func (s *Scanner) String() (string, error) {
	n, err := s.Vint30()
	if err != nil {
		return "", err
	}
	if len(s.rest) < n {
		return "", fmt.Errorf("string truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := string(s.rest[:n])
	s.advance(n)
	return out, nil
}

// Rest returns the unconsumed input, or nil if none remains.
func (s *Scanner) Rest() []byte {
	if len(s.rest) == 0 {
		return nil
	}
	return s.rest
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte.
func (s *Scanner) Offset() int { return s.offset }

func (s *Scanner) advance(n int) { s.rest = s.rest[n:]; s.offset += n }

// VLen reports the size of a length-prefixed encoding of an n-byte string.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a 1- to 4-byte encoding.
//
// The value is shifted left two bits and the low two bits record the number
// of additional bytes; the result is written little-endian. A decoder learns
// the full width from the first byte.
type Vint30 uint32

// MaxVint30 is the largest value representable as a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded width of v in bytes, or -1 if v is out of range.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
