// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package layer

import (
	"fmt"
	"math"
	"slices"

	"github.com/creachadair/dissect/token"
)

// An AttrClass is an immutable template describing a kind of attribute. A
// decoder creates its classes once, when it is registered, and shares them
// among all the attributes it binds.
//
// BitOffset and BitLen locate the attribute relative to the start of the
// layer it is bound to, header included. Bits are numbered from the most
// significant bit of the first byte of the layer.
type AttrClass struct {
	ID        token.Token   // the identity of the attribute
	Type      Kind          // the kind of value the attribute carries
	Path      string        // dotted path, e.g. "ipv4.ttl"
	Name      string        // human-readable name
	Desc      string        // human-readable description
	BitOffset int           // offset of the first bit in the layer
	BitLen    int           // number of bits
	Aliases   []token.Token // alternative identities
}

// Validate reports an error if c describes an attribute that cannot be
// extracted from a payload.
func (c *AttrClass) Validate() error {
	if c.ID == token.Null {
		return fmt.Errorf("attribute %q: null identity", c.Path)
	} else if c.BitOffset < 0 || c.BitLen < 0 {
		return fmt.Errorf("attribute %q: negative bit range", c.Path)
	}
	switch c.Type {
	case KindNil:
		// any length, the bits are not interpreted
	case KindBool, KindInt, KindUint:
		if c.BitLen < 1 || c.BitLen > 64 {
			return fmt.Errorf("attribute %q: %v width %d not in 1..64", c.Path, c.Type, c.BitLen)
		}
	case KindFloat:
		if c.BitLen != 32 && c.BitLen != 64 {
			return fmt.Errorf("attribute %q: float width %d not 32 or 64", c.Path, c.BitLen)
		}
	case KindBytes:
		if c.BitOffset%8 != 0 || c.BitLen%8 != 0 {
			return fmt.Errorf("attribute %q: bytes not byte-aligned", c.Path)
		}
	default:
		return fmt.Errorf("attribute %q: invalid type %v", c.Path, c.Type)
	}
	return nil
}

// Matches reports whether id is the identity of c or one of its aliases.
func (c *AttrClass) Matches(id token.Token) bool {
	return id != token.Null && (c.ID == id || slices.Contains(c.Aliases, id))
}

// An Attr is an occurrence of an AttrClass bound to a specific layer.
type Attr struct {
	Class *AttrClass

	layer    *Layer
	bitPos   int // relative to the start of layer
	explicit bool
	val      Value
}

// Layer returns the layer a is bound to.
func (a Attr) Layer() *Layer { return a.layer }

// Explicit reports whether the value of a was set by its decoder rather than
// extracted from the payload.
func (a Attr) Explicit() bool { return a.explicit }

// Range reports the bytes covered by a, in the coordinates of its layer's
// buffer.
func (a Attr) Range() Range {
	p := a.layer.Range()
	start := min(p.Start+a.bitPos/8, p.End)
	end := min(p.Start+(a.bitPos+a.Class.BitLen+7)/8, p.End)
	return Range{Start: start, End: max(start, end)}
}

// Value decodes the value of a from its layer. For an explicit attribute, the
// value given to SetValue is returned unchanged.
func (a Attr) Value() (Value, error) {
	if a.explicit {
		return a.val, nil
	}
	c := a.Class
	data := a.layer.Data()
	if a.bitPos+c.BitLen > 8*len(data) {
		return Value{}, fmt.Errorf("attribute %q: %w", c.Path, ErrRange)
	}
	switch c.Type {
	case KindNil:
		return Nil(), nil
	case KindBytes:
		lo := a.bitPos / 8
		return Bytes(data[lo : lo+c.BitLen/8 : lo+c.BitLen/8]), nil
	}

	w := readBits(data, a.bitPos, c.BitLen)
	switch c.Type {
	case KindBool:
		return Bool(w != 0), nil
	case KindUint:
		return Uint(w), nil
	case KindInt:
		if n := c.BitLen; n < 64 && w&(1<<(n-1)) != 0 {
			w |= ^uint64(0) << n // sign-extend
		}
		return Int(int64(w)), nil
	case KindFloat:
		if c.BitLen == 32 {
			return Float(float64(math.Float32frombits(uint32(w)))), nil
		}
		return Float(math.Float64frombits(w)), nil
	}
	return Value{}, fmt.Errorf("attribute %q: invalid type %v", c.Path, c.Type)
}

// readBits returns n ≤ 64 bits of data starting at bit offset off, most
// significant bit first.
func readBits(data []byte, off, n int) uint64 {
	var w uint64
	for n > 0 {
		i, b := off/8, off%8
		take := min(8-b, n)
		chunk := uint64(data[i]>>(8-b-take)) & (1<<take - 1)
		w = w<<take | chunk
		off += take
		n -= take
	}
	return w
}
