// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package frame defines the Frame, the unit of decoded output, and the
// metadata that may be attached to frames.
//
// A Frame holds the complete layer tree for one raw packet, flattened into a
// pre-order list of layers together with a parallel list of tree positions.
// The position of a layer in the list is its handle: handles are stable for
// the lifetime of the frame and are used by metadata to refer to layers.
//
// A frame is immutable once built. Neither the frame nor any of its layers may
// be modified after it has been handed to a store.
package frame

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/zeebo/blake3"
)

// Pos records the position of a layer in the tree of its frame.
type Pos struct {
	Depth  int // 0 for the root
	Parent int // handle of the parent, -1 for the root
}

// A Frame is one fully decoded packet.
type Frame struct {
	Index  uint64         // assigned at creation, never reused
	Layers []*layer.Layer // all layers in pre-order; Layers[0] is the root
	Pos    []Pos          // Pos[i] is the position of Layers[i]
	Meta   []Metadata     // metadata recorded while decoding
}

// A Note is metadata recorded against a layer while its frame is still being
// decoded, before the layer has been assigned a handle.
type Note struct {
	Layer *layer.Layer
	Meta  Metadata
}

// Build constructs a frame with the given index from a decoded layer tree.
// The Frame and Layer fields of each note's metadata are filled in from index
// and the handle of the note's layer; a note whose layer is not part of the
// tree is attached to the root.
func Build(index uint64, root *layer.Layer, notes []Note) *Frame {
	f := &Frame{Index: index}
	handle := make(map[*layer.Layer]int)

	var walk func(l *layer.Layer, depth, parent int)
	walk = func(l *layer.Layer, depth, parent int) {
		h := len(f.Layers)
		handle[l] = h
		f.Layers = append(f.Layers, l)
		f.Pos = append(f.Pos, Pos{Depth: depth, Parent: parent})
		for _, c := range l.Children() {
			walk(c, depth+1, h)
		}
	}
	walk(root, 0, -1)

	for _, n := range notes {
		m := n.Meta
		m.Frame = index
		m.Layer = handle[n.Layer] // 0 if absent
		f.Meta = append(f.Meta, m)
	}
	// Notes may be recorded concurrently by sibling subtrees; order them by
	// layer so that the result does not depend on scheduling.
	slices.SortStableFunc(f.Meta, func(a, b Metadata) int { return cmp.Compare(a.Layer, b.Layer) })
	return f
}

// Root returns the root layer of f.
func (f *Frame) Root() *layer.Layer { return f.Layers[0] }

// Raw returns the raw payload of f.
func (f *Frame) Raw() []byte { return f.Layers[0].Data() }

// Len reports the number of layers in f.
func (f *Frame) Len() int { return len(f.Layers) }

// Children returns the handles of the children of the layer with handle h, in
// order, using only the position records.
func (f *Frame) Children(h int) []int {
	var out []int
	for i := h + 1; i < len(f.Pos) && f.Pos[i].Depth > f.Pos[h].Depth; i++ {
		if f.Pos[i].Parent == h {
			out = append(out, i)
		}
	}
	return out
}

// Find returns the handle of the innermost layer with the given identity, or
// -1 if there is none.
func (f *Frame) Find(id token.Token) int {
	for i := len(f.Layers) - 1; i >= 0; i-- {
		if f.Layers[i].ID == id {
			return i
		}
	}
	return -1
}

// Attr returns the innermost attribute matching id, searching the layers of f
// from the last in pre-order to the first, so that an attribute set by an
// inner layer shadows one set by an outer layer. Within a layer, later
// attributes shadow earlier ones.
func (f *Frame) Attr(id token.Token) (layer.Attr, bool) {
	for i := len(f.Layers) - 1; i >= 0; i-- {
		attrs := f.Layers[i].Attrs()
		for j := len(attrs) - 1; j >= 0; j-- {
			if attrs[j].Class.Matches(id) {
				return attrs[j], true
			}
		}
	}
	return layer.Attr{}, false
}

// Errors returns the error metadata recorded against the layer with handle h.
func (f *Frame) Errors(h int) []Metadata {
	var out []Metadata
	for _, m := range f.Meta {
		if m.Kind == Error && m.Layer == h {
			out = append(out, m)
		}
	}
	return out
}

// Digest returns a hash of the structure of f: the identities, positions,
// ranges and confidences of its layers and the values of their attributes.
// Two frames decoded from the same payload by the same decoders have the same
// digest. The index and metadata of f are not included.
func (f *Frame) Digest() [32]byte {
	h := blake3.New()
	var buf []byte
	putInt := func(v int) { buf = binary.BigEndian.AppendUint64(buf, uint64(v)) }
	putRange := func(r layer.Range) { putInt(r.Start); putInt(r.End) }

	for i, l := range f.Layers {
		buf = buf[:0]
		putInt(f.Pos[i].Depth)
		putInt(f.Pos[i].Parent)
		buf = binary.BigEndian.AppendUint32(buf, uint32(l.ID))
		buf = append(buf, byte(l.Confidence))
		putRange(l.HeaderRange())
		putRange(l.PayloadRange())
		putRange(l.TrailerRange())
		if l.Derived() {
			buf = append(buf, 1)
			putInt(len(l.Data()))
			buf = append(buf, l.Data()...)
		} else {
			buf = append(buf, 0)
		}
		putInt(len(l.Attrs()))
		for _, a := range l.Attrs() {
			buf = binary.BigEndian.AppendUint32(buf, uint32(a.Class.ID))
			putRange(a.Range())
			v, err := a.Value()
			if err != nil {
				buf = append(buf, 0xff)
				continue
			}
			buf = appendValue(buf, v)
		}
		h.Write(buf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func appendValue(buf []byte, v layer.Value) []byte {
	buf = append(buf, byte(v.Kind()))
	switch v.Kind() {
	case layer.KindBool:
		b, _ := v.AsBool()
		return append(buf, byte(boolInt(b)))
	case layer.KindInt:
		z, _ := v.AsInt()
		return binary.BigEndian.AppendUint64(buf, uint64(z))
	case layer.KindUint:
		z, _ := v.AsUint()
		return binary.BigEndian.AppendUint64(buf, z)
	case layer.KindFloat:
		z, _ := v.AsFloat()
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(z))
	case layer.KindBytes:
		b, _ := v.AsBytes()
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(b)))
		return append(buf, b...)
	}
	return buf
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MetaKind distinguishes the kinds of [Metadata].
type MetaKind byte

const (
	Linkage MetaKind = 1 // a set of related frames, e.g. for reassembly
	Error   MetaKind = 2 // a decode failure note
)

func (k MetaKind) String() string {
	switch k {
	case Linkage:
		return "linkage"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("metakind:%d", byte(k))
	}
}

// Metadata is an annotation attached to a frame. Metadata are appended and
// never retracted.
type Metadata struct {
	Frame uint64      // the index of the annotated frame
	Kind  MetaKind    // what kind of annotation this is
	Layer int         // handle of the annotated layer (0 is the root)
	Links []uint64    // related frame indices, for Linkage
	Name  token.Token // the error kind, for Error
	Text  string      // a free-text description
}

func (m Metadata) String() string {
	switch m.Kind {
	case Linkage:
		return fmt.Sprintf("Metadata(frame=%d, layer=%d, linkage=%v)", m.Frame, m.Layer, m.Links)
	case Error:
		return fmt.Sprintf("Metadata(frame=%d, layer=%d, error=%q)", m.Frame, m.Layer, m.Text)
	default:
		return fmt.Sprintf("Metadata(frame=%d, %v)", m.Frame, m.Kind)
	}
}
