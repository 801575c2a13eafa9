// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import "github.com/creachadair/mds/value"

// An Encoder is a value that supports being encoded in binary form.
type Encoder interface {
	// Encode appends the encoding of the receiver to buf and returns the
	// updated slice.
	Encode(buf []byte) []byte

	// EncodedLen reports the number of bytes Encode will append.
	EncodedLen() int
}

// Slice is a sequence of encoders, encoded in order without framing.
type Slice []Encoder

// Encode implements the Encoder interface.
func (s Slice) Encode(buf []byte) []byte {
	for _, e := range s {
		buf = e.Encode(buf)
	}
	return buf
}

// EncodedLen implements the Encoder interface.
func (s Slice) EncodedLen() int {
	var n int
	for _, e := range s {
		n += e.EncodedLen()
	}
	return n
}

// Raw is a byte string encoded as-is, without framing.
type Raw []byte

// Encode implements the Encoder interface.
func (r Raw) Encode(buf []byte) []byte { return append(buf, r...) }

// EncodedLen implements the Encoder interface.
func (r Raw) EncodedLen() int { return len(r) }

// Literal is a string encoded as-is, without framing.
type Literal string

// Encode implements the Encoder interface.
func (s Literal) Encode(buf []byte) []byte { return append(buf, s...) }

// EncodedLen implements the Encoder interface.
func (s Literal) EncodedLen() int { return len(s) }

// Bytes is a byte string encoded with a [Vint30] length prefix.
type Bytes []byte

// Encode implements the Encoder interface.
func (b Bytes) Encode(buf []byte) []byte {
	buf = Vint30(len(b)).Append(buf)
	return append(buf, b...)
}

// EncodedLen implements the Encoder interface.
func (b Bytes) EncodedLen() int { return VLen(len(b)) }

// Bool is a Boolean encoded as a single byte, 0 or 1.
type Bool bool

// Encode implements the Encoder interface.
func (b Bool) Encode(buf []byte) []byte { return append(buf, value.Cond[byte](bool(b), 1, 0)) }

// EncodedLen implements the Encoder interface.
func (Bool) EncodedLen() int { return 1 }

// Encode implements the Encoder interface. It panics if v is out of range.
func (v Vint30) Encode(buf []byte) []byte { return v.Append(buf) }

// EncodedLen implements the Encoder interface.
func (v Vint30) EncodedLen() int { return v.Size() }
