// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Kind is the type tag of a [Value].
type Kind byte

const (
	KindNil   Kind = 0 // no value
	KindBool  Kind = 1 // Boolean
	KindInt   Kind = 2 // signed 64-bit integer
	KindUint  Kind = 3 // unsigned 64-bit integer
	KindFloat Kind = 4 // IEEE 754 double
	KindBytes Kind = 5 // byte string

	maxKind = KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int64"
	case KindUint:
		return "uint64"
	case KindFloat:
		return "float64"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// A Value is a closed sum of the primitive value types that may cross a
// plugin boundary or appear in a filter. The zero Value is Nil.
//
// Values do not coerce: an Int value does not report itself as a Uint, even
// if the number would fit. A Bytes value may alias the layer it was extracted
// from, and the caller must not modify its contents.
type Value struct {
	kind Kind
	bits uint64
	data []byte
}

// Nil returns the nil value.
func Nil() Value { return Value{} }

// Bool returns a Boolean value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

// Int returns a signed integer value.
func Int(v int64) Value { return Value{kind: KindInt, bits: uint64(v)} }

// Uint returns an unsigned integer value.
func Uint(v uint64) Value { return Value{kind: KindUint, bits: v} }

// Float returns a floating-point value.
func Float(v float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(v)} }

// Bytes returns a byte-string value. The value retains data.
func Bytes(data []byte) Value { return Value{kind: KindBytes, data: data} }

// Kind reports the type tag of v.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// AsBool reports the Boolean content of v, and whether v is a Bool.
func (v Value) AsBool() (bool, bool) { return v.bits != 0, v.kind == KindBool }

// AsInt reports the signed integer content of v, and whether v is an Int.
func (v Value) AsInt() (int64, bool) { return int64(v.bits), v.kind == KindInt }

// AsUint reports the unsigned integer content of v, and whether v is a Uint.
func (v Value) AsUint() (uint64, bool) { return v.bits, v.kind == KindUint }

// AsFloat reports the floating-point content of v, and whether v is a Float.
func (v Value) AsFloat() (float64, bool) {
	return math.Float64frombits(v.bits), v.kind == KindFloat
}

// AsBytes reports the byte-string content of v, and whether v is Bytes.
func (v Value) AsBytes() ([]byte, bool) { return v.data, v.kind == KindBytes }

// Equal reports whether v and w have the same kind and content.  Floats
// compare by bit pattern, so a NaN equals an identical NaN.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	if v.kind == KindBytes {
		return bytes.Equal(v.data, w.data)
	}
	return v.bits == w.bits
}

// String renders v in a human-readable form. Byte strings are rendered in
// hexadecimal.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.bits), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case KindBytes:
		return hex.EncodeToString(v.data)
	default:
		return fmt.Sprintf("Value(%v)", v.kind)
	}
}

// MarshalCBOR encodes v as a two-element CBOR array of its kind tag and its
// content. It implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	var content any
	switch v.kind {
	case KindNil:
		content = nil
	case KindBool:
		content = v.bits != 0
	case KindInt:
		content = int64(v.bits)
	case KindUint:
		content = v.bits
	case KindFloat:
		content = math.Float64frombits(v.bits)
	case KindBytes:
		content = v.data
	default:
		return nil, fmt.Errorf("invalid value kind %d", v.kind)
	}
	return cbor.Marshal([]any{byte(v.kind), content})
}

// UnmarshalCBOR decodes a value encoded by MarshalCBOR.
// It implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode value: %w", err)
	} else if len(parts) != 2 {
		return fmt.Errorf("decode value: got %d elements, want 2", len(parts))
	}
	var tag byte
	if err := cbor.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("decode value kind: %w", err)
	} else if Kind(tag) > maxKind {
		return fmt.Errorf("invalid value kind %d", tag)
	}

	var err error
	switch Kind(tag) {
	case KindNil:
		*v = Nil()
	case KindBool:
		var b bool
		err = cbor.Unmarshal(parts[1], &b)
		*v = Bool(b)
	case KindInt:
		var z int64
		err = cbor.Unmarshal(parts[1], &z)
		*v = Int(z)
	case KindUint:
		var z uint64
		err = cbor.Unmarshal(parts[1], &z)
		*v = Uint(z)
	case KindFloat:
		var f float64
		err = cbor.Unmarshal(parts[1], &f)
		*v = Float(f)
	case KindBytes:
		var b []byte
		err = cbor.Unmarshal(parts[1], &b)
		*v = Bytes(b)
	}
	if err != nil {
		return fmt.Errorf("decode %v value: %w", Kind(tag), err)
	}
	return nil
}
