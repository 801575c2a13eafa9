// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet implements the record framing of raw capture files, and the
// small binary encodings used to build and take apart capture payloads.
//
// A capture file is a sequence of records, each holding the raw payload of
// one captured packet prefixed by its length encoded as a [Vint30]. The
// framing is self-delimiting, so a file may be read incrementally and
// concatenated with another.
package packet

// Vint30 is an unsigned 30-bit integer that uses a variable-width encoding
// from 1 to 4 bytes. Record lengths in a capture file are Vint30 values.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// The encoding is the value shifted left by 2 and written in little-endian
// order, with the number of bytes after the first packed into the low 2 bits:
//
//	 _ ... _ _ _ _ _ _ d d < number of additional bytes
//	31 ... 7 6 5 4 3 2 1 0
//	^^^^^^^^^^^^^^^^^^
//	  30-bit value
//
// A reader therefore learns the full length of an encoding from its first
// byte.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// vint30Len reports the total encoded length indicated by the first byte b of
// a Vint30 encoding.
func vint30Len(b byte) int { return int(b&3) + 1 }

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v <= MaxVint30:
		return 4
	}
	return -1
}

// Append appends the encoding of v to buf and returns the updated slice.
// It panics if v > MaxVint30.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("packet: Vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// ParseVint30 parses a [Vint30] from the head of buf, and reports the number
// of bytes consumed. If buf does not begin with a complete encoding, it
// returns -1.
func ParseVint30(buf []byte) (int, Vint30) {
	if len(buf) == 0 {
		return -1, 0
	}
	n := vint30Len(buf[0])
	if len(buf) < n {
		return -1, 0
	}
	var w uint32
	for i := n - 1; i >= 0; i-- {
		w = w<<8 | uint32(buf[i])
	}
	return n, Vint30(w >> 2)
}

// VLen reports the encoded size in bytes of an n-byte string prefixed by its
// length as a [Vint30].
func VLen(n int) int { return Vint30(n).Size() + n }
