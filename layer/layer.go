// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package layer defines the decoded protocol data model: layers, attribute
// classes, bound attributes and the primitive values they carry.
//
// A [Layer] is one decoded protocol unit. It holds a view of a byte range of
// its frame's raw payload, never a copy, except for layers constructed with
// [Synthetic], which own a derived buffer (for example, reassembled or
// decompressed data). The range of a child layer is always contained within
// the payload range of its parent.
//
// Each layer's range is split into a header, a payload and a trailer. Child
// layers are carved from the payload with [Layer.Child]; attributes address
// bits relative to the start of the layer.
package layer

import (
	"errors"
	"fmt"

	"github.com/creachadair/dissect/token"
)

var (
	// ErrRange is reported when a requested range does not fit in the layer.
	ErrRange = errors.New("range out of bounds")

	// ErrKind is reported when a value does not match its attribute type.
	ErrKind = errors.New("value kind mismatch")
)

// Confidence describes how certain a decoder is that it correctly identified
// a layer. Higher values are stronger. The zero value means the layer has not
// been claimed by any decoder.
type Confidence byte

const (
	Possible Confidence = 1 // a plausible guess, e.g. from a heuristic
	Probable Confidence = 2 // a strong guess
	Exact    Confidence = 3 // identified by an unambiguous rule
)

func (c Confidence) String() string {
	switch c {
	case 0:
		return "none"
	case Possible:
		return "possible"
	case Probable:
		return "probable"
	case Exact:
		return "exact"
	default:
		return fmt.Sprintf("confidence:%d", byte(c))
	}
}

// A Range is a half-open range [Start, End) of byte offsets.
type Range struct {
	Start, End int
}

// Len reports the number of bytes in r.
func (r Range) Len() int { return r.End - r.Start }

// Contains reports whether s lies entirely within r.
func (r Range) Contains(s Range) bool {
	return s.Start >= r.Start && s.End <= r.End && s.Start <= s.End
}

func (r Range) String() string { return fmt.Sprintf("[%d:%d]", r.Start, r.End) }

// backing is the buffer shared by a tree of layer views.
type backing struct{ data []byte }

// A Layer is a node in the decoded layer tree of a frame.
//
// A layer is mutated only by the decoder that produced it, and only until the
// frame is complete. After the frame is handed to a store, it must not be
// modified.
type Layer struct {
	ID         token.Token // the identity of the protocol unit
	Confidence Confidence  // the confidence of the decoder that claimed it

	buf      *backing
	span     Range // within buf
	hdr, trl int   // header and trailer lengths within span
	derived  bool
	serial   bool

	attrs    []Attr
	children []*Layer
}

// Root constructs a root layer spanning the whole of raw.
func Root(id token.Token, raw []byte) *Layer {
	return &Layer{ID: id, buf: &backing{data: raw}, span: Range{End: len(raw)}}
}

// Synthetic constructs a layer that owns a derived buffer. The layer retains
// data; the caller must not modify it afterward.
func Synthetic(id token.Token, data []byte) *Layer {
	return &Layer{ID: id, buf: &backing{data: data}, span: Range{End: len(data)}, derived: true}
}

// Child constructs a new layer with the given identity, viewing n bytes of the
// payload of l starting at offset off. It reports ErrRange if the requested
// range does not fit in the payload. The new layer is not attached to l; a
// decoder returns it in its result to attach it.
func (l *Layer) Child(id token.Token, off, n int) (*Layer, error) {
	p := l.PayloadRange()
	if off < 0 || n < 0 || off+n > p.Len() {
		return nil, fmt.Errorf("child %v+%d of payload %v: %w", off, n, p, ErrRange)
	}
	start := p.Start + off
	return &Layer{
		ID:      id,
		buf:     l.buf,
		span:    Range{Start: start, End: start + n},
		derived: l.derived,
	}, nil
}

// Rest constructs a child layer viewing the payload of l from offset off to
// the end of the payload.
func (l *Layer) Rest(id token.Token, off int) (*Layer, error) {
	return l.Child(id, off, l.PayloadRange().Len()-off)
}

// SetHeader marks the first n bytes of l as its header.
func (l *Layer) SetHeader(n int) error {
	if n < 0 || n+l.trl > l.span.Len() {
		return fmt.Errorf("header length %d of %v: %w", n, l.span, ErrRange)
	}
	l.hdr = n
	return nil
}

// SetTrailer marks the last n bytes of l as its trailer.
func (l *Layer) SetTrailer(n int) error {
	if n < 0 || l.hdr+n > l.span.Len() {
		return fmt.Errorf("trailer length %d of %v: %w", n, l.span, ErrRange)
	}
	l.trl = n
	return nil
}

// Defer marks l as eligible for serial decoders. Layers that are not deferred
// are offered only to parallel decoders.
func (l *Layer) Defer() { l.serial = true }

// Deferred reports whether l is marked for serial decoding.
func (l *Layer) Deferred() bool { return l.serial }

// Derived reports whether l views a derived buffer rather than the raw
// payload of its frame.
func (l *Layer) Derived() bool { return l.derived }

// Range reports the extent of l within its buffer. For layers that are not
// derived, this is a range of the frame's raw payload.
func (l *Layer) Range() Range { return l.span }

// HeaderRange reports the extent of the header of l.
func (l *Layer) HeaderRange() Range {
	return Range{Start: l.span.Start, End: l.span.Start + l.hdr}
}

// PayloadRange reports the extent of the payload of l.
func (l *Layer) PayloadRange() Range {
	return Range{Start: l.span.Start + l.hdr, End: l.span.End - l.trl}
}

// TrailerRange reports the extent of the trailer of l.
func (l *Layer) TrailerRange() Range {
	return Range{Start: l.span.End - l.trl, End: l.span.End}
}

// Data returns the bytes spanned by l. The caller must not modify them.
func (l *Layer) Data() []byte { return l.view(l.span) }

// Header returns the header bytes of l.
func (l *Layer) Header() []byte { return l.view(l.HeaderRange()) }

// Payload returns the payload bytes of l.
func (l *Layer) Payload() []byte { return l.view(l.PayloadRange()) }

// Trailer returns the trailer bytes of l.
func (l *Layer) Trailer() []byte { return l.view(l.TrailerRange()) }

func (l *Layer) view(r Range) []byte {
	if l.buf == nil {
		return nil
	}
	return l.buf.data[r.Start:r.End:r.End]
}

// SameBuffer reports whether l and m view the same underlying buffer.
func (l *Layer) SameBuffer(m *Layer) bool { return l.buf == m.buf }

// Encloses reports whether c is a valid child of l: either c owns a derived
// buffer of its own, or it views a range of the payload of l.
func (l *Layer) Encloses(c *Layer) bool {
	if c.buf != l.buf {
		return c.derived
	}
	return l.PayloadRange().Contains(c.span)
}

// Scratch returns a copy of l without attributes or children. A dispatcher
// gives each candidate decoder its own scratch copy, so that decoders that do
// not win a layer leave no trace on it.
func (l *Layer) Scratch() *Layer {
	return &Layer{
		ID:      l.ID,
		buf:     l.buf,
		span:    l.span,
		hdr:     l.hdr,
		trl:     l.trl,
		derived: l.derived,
		serial:  l.serial,
	}
}

// Adopt copies the header and trailer lengths and the attributes of s, a
// scratch copy of l, into l.
func (l *Layer) Adopt(s *Layer) {
	l.hdr, l.trl = s.hdr, s.trl
	for _, a := range s.attrs {
		a.layer = l
		l.attrs = append(l.attrs, a)
	}
}

// Attrs returns the attributes of l in the order they were added.
func (l *Layer) Attrs() []Attr { return l.attrs }

// Children returns the child layers of l in the order they were attached.
func (l *Layer) Children() []*Layer { return l.children }

// AddChildren attaches cs as children of l, in order. It is intended for use
// by the dispatcher, which validates children before attaching them.
func (l *Layer) AddChildren(cs ...*Layer) { l.children = append(l.children, cs...) }

// AddAttr binds an occurrence of c to l. The shift is added to the class bit
// offset, allowing a decoder to place an attribute at a position known only
// at runtime. AddAttr reports ErrRange if the bits do not fit in the layer, or
// if a bytes attribute would not start on a byte boundary.
func (l *Layer) AddAttr(c *AttrClass, shift int) error {
	pos := c.BitOffset + shift
	if pos < 0 || pos+c.BitLen > 8*l.span.Len() {
		return fmt.Errorf("attribute %q bits %d+%d: %w", c.Path, pos, c.BitLen, ErrRange)
	} else if c.Type == KindBytes && pos%8 != 0 {
		return fmt.Errorf("attribute %q at bit %d: bytes not byte-aligned: %w", c.Path, pos, ErrRange)
	}
	l.attrs = append(l.attrs, Attr{Class: c, layer: l, bitPos: pos})
	return nil
}

// SetValue binds an occurrence of c to l with an explicit value rather than
// one extracted from the payload. It reports ErrKind if the kind of v does not
// match the type of c.
func (l *Layer) SetValue(c *AttrClass, v Value) error {
	if v.Kind() != c.Type {
		return fmt.Errorf("attribute %q: got %v, want %v: %w", c.Path, v.Kind(), c.Type, ErrKind)
	}
	pos := max(c.BitOffset, 0)
	l.attrs = append(l.attrs, Attr{Class: c, layer: l, bitPos: pos, explicit: true, val: v})
	return nil
}
