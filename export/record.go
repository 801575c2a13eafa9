// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package export implements writers that save decoded frames, and readers
// for what they save.
//
// Frames are exported as [Record] values encoded in CBOR. A [StreamWriter]
// writes records to a byte stream, optionally compressed with zstd; a
// [BoltWriter] stores them in a bbolt database keyed by frame index. Both
// finish with a snapshot of the token table, so that the identities in the
// records can be resolved without the session that produced them.
package export

import (
	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
)

// A Record is the exported form of a frame.
type Record struct {
	Index  uint64        `cbor:"1,keyasint"`
	Raw    []byte        `cbor:"2,keyasint"`
	Layers []LayerRecord `cbor:"3,keyasint"`
	Meta   []MetaRecord  `cbor:"4,keyasint,omitempty"`
	Digest []byte        `cbor:"5,keyasint"`
}

// A LayerRecord is the exported form of a layer. Layers appear in the order
// of the frame, so a parent always precedes its children.
type LayerRecord struct {
	ID         token.Token      `cbor:"1,keyasint"`
	Parent     int              `cbor:"2,keyasint"` // -1 for the root
	Start      int              `cbor:"3,keyasint"`
	End        int              `cbor:"4,keyasint"`
	Header     int              `cbor:"5,keyasint"`
	Trailer    int              `cbor:"6,keyasint"`
	Confidence layer.Confidence `cbor:"7,keyasint,omitempty"`
	Data       []byte           `cbor:"8,keyasint,omitempty"` // for derived layers only
	Attrs      []AttrRecord     `cbor:"9,keyasint,omitempty"`
}

// An AttrRecord is the exported form of an attribute, with its value
// extracted. Attributes whose value cannot be extracted have a nil value and
// a non-empty Error.
type AttrRecord struct {
	ID    token.Token `cbor:"1,keyasint"`
	Value layer.Value `cbor:"2,keyasint"`
	Start int         `cbor:"3,keyasint"`
	End   int         `cbor:"4,keyasint"`
	Error string      `cbor:"5,keyasint,omitempty"`
}

// A MetaRecord is the exported form of frame metadata.
type MetaRecord struct {
	Kind  frame.MetaKind `cbor:"1,keyasint"`
	Layer int            `cbor:"2,keyasint"`
	Links []uint64       `cbor:"3,keyasint,omitempty"`
	Name  token.Token    `cbor:"4,keyasint,omitempty"`
	Text  string         `cbor:"5,keyasint,omitempty"`
}

// NewRecord returns the exported form of f.
func NewRecord(f *frame.Frame) Record {
	d := f.Digest()
	rec := Record{
		Index:  f.Index,
		Raw:    f.Raw(),
		Layers: make([]LayerRecord, len(f.Layers)),
		Digest: d[:],
	}
	for i, l := range f.Layers {
		r := l.Range()
		lr := LayerRecord{
			ID:         l.ID,
			Parent:     f.Pos[i].Parent,
			Start:      r.Start,
			End:        r.End,
			Header:     l.HeaderRange().Len(),
			Trailer:    l.TrailerRange().Len(),
			Confidence: l.Confidence,
		}
		if l.Derived() && i != 0 {
			lr.Data = l.Data()
		}
		for _, a := range l.Attrs() {
			ar := AttrRecord{ID: a.Class.ID}
			if v, err := a.Value(); err != nil {
				ar.Error = err.Error()
			} else {
				ar.Value = v
			}
			ar.Start, ar.End = a.Range().Start, a.Range().End
			lr.Attrs = append(lr.Attrs, ar)
		}
		rec.Layers[i] = lr
	}
	for _, m := range f.Meta {
		rec.Meta = append(rec.Meta, MetaRecord{
			Kind:  m.Kind,
			Layer: m.Layer,
			Links: m.Links,
			Name:  m.Name,
			Text:  m.Text,
		})
	}
	return rec
}

// A Capture is the content read back from an export.
type Capture struct {
	Records []Record
	Tokens  map[token.Token]string // nil if the export was not ended
}

// Name returns the name of t in the token table of c, or "" if t is unknown.
func (c *Capture) Name(t token.Token) string { return c.Tokens[t] }
