// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package abi defines the boundary between the dissect engine and decoder
// plugins loaded at runtime.
//
// A plugin is a Go plugin (see package plugin) that exports a variable named
// by [Symbol] holding a [Table]. The table carries the [Version] of this
// package it was built against; the host refuses a table with any other
// version before calling into it.
//
// Everything that crosses the boundary is plain data: byte slices, integers,
// strings, and [layer.Value]. Tokens are exchanged through a [Host], which
// plugins use to intern and resolve names.
package abi

import (
	"errors"
	"fmt"
	"plugin"

	"github.com/creachadair/dissect/layer"
)

// Version is the current version of the plugin table format.
const Version = 1

// Symbol is the name of the variable a plugin must export.
const Symbol = "DissectPlugin"

var (
	// ErrVersion is reported for a table built against a different Version.
	ErrVersion = errors.New("plugin ABI version mismatch")

	// ErrSymbol is reported when a plugin does not export a valid table.
	ErrSymbol = errors.New("plugin table not found")

	// ErrInvalid is reported for a malformed table.
	ErrInvalid = errors.New("invalid plugin table")
)

// A Table describes the decoders provided by a plugin.
type Table struct {
	Version  int            // must equal Version
	Name     string         // plugin name, for diagnostics
	Decoders []DecoderEntry // the decoders provided

	// If non-nil, Init is called once when the table is registered, before
	// any worker is created.
	Init func(Host) error
}

// Kinds of worker a decoder offers, as a bit mask.
const (
	KindParallel uint8 = 1 << 0
	KindSerial   uint8 = 1 << 1
)

// A DecoderEntry describes one decoder of a plugin.
type DecoderEntry struct {
	Name   string     // unique among registered decoders
	Kinds  uint8      // mask of KindParallel and KindSerial
	Layers []string   // identities of layers offered; empty for all
	Attrs  []AttrSpec // attribute classes; outputs refer to them by index

	// NewWorker returns a worker of the given kind (KindParallel or
	// KindSerial). The ctx is the decoder settings encoded by EncodeContext.
	// A serial worker is created once and keeps its state across frames.
	NewWorker func(kind uint8, ctx []byte) WorkerFunc
}

// An AttrSpec describes an attribute class. See layer.AttrClass.
type AttrSpec struct {
	Path      string
	Name      string
	Desc      string
	Type      layer.Kind
	BitOffset int
	BitLen    int
	Aliases   []string
}

// A WorkerFunc decodes one layer.
type WorkerFunc func(Input) Output

// Input is the layer offered to a worker.
type Input struct {
	Frame   uint64 // index of the frame being decoded
	Layer   string // identity of the layer
	Data    []byte // a copy of the whole layer
	Derived bool   // the layer owns derived bytes
}

// Status codes for Output.
const (
	StatusSkip  uint8 = 0
	StatusDone  uint8 = 1
	StatusFatal uint8 = 2
)

// Output is the result of a worker.
type Output struct {
	Status     uint8            // one of the Status codes
	Confidence layer.Confidence // for StatusDone; zero means Exact
	Error      string           // for StatusFatal

	Header  int // bytes of header at the start of the layer
	Trailer int // bytes of trailer at the end of the layer

	Attrs    []AttrOut  // attributes to bind to the layer
	Children []ChildOut // children of the layer, in order
	Links    []uint64   // indices of related frames
}

// AttrOut binds the attribute class Attrs[Spec] of a decoder entry.
type AttrOut struct {
	Spec  int         // index into the entry's Attrs
	Shift int         // added to the class bit offset
	Value layer.Value // if not nil, an explicit value
}

// ChildOut describes a child layer. If Data is non-nil the child is a derived
// layer owning Data; otherwise it views Len bytes of the payload starting at
// Offset.
type ChildOut struct {
	Layer  string
	Offset int
	Len    int
	Data   []byte
	Defer  bool // offer the child to serial decoders
}

// Skip is the Output of a worker that declines a layer.
func Skip() Output { return Output{Status: StatusSkip} }

// Fatalf is the Output of a worker that failed to decode a layer.
func Fatalf(msg string, args ...any) Output {
	return Output{Status: StatusFatal, Error: fmt.Sprintf(msg, args...)}
}

// Host is the token interface offered to plugins. Tokens are not portable
// between hosts; a plugin should intern the names it needs in Init.
type Host struct {
	Intern  func(string) uint32
	Resolve func(uint32) string
}

// Check reports an error if tab cannot be registered.
func Check(tab *Table) error {
	if tab == nil {
		return fmt.Errorf("nil table: %w", ErrSymbol)
	} else if tab.Version != Version {
		return fmt.Errorf("plugin %q has version %d, want %d: %w", tab.Name, tab.Version, Version, ErrVersion)
	}
	for i, e := range tab.Decoders {
		switch {
		case e.Name == "":
			return fmt.Errorf("plugin %q decoder %d: missing name: %w", tab.Name, i, ErrInvalid)
		case e.NewWorker == nil:
			return fmt.Errorf("plugin %q decoder %q: missing constructor: %w", tab.Name, e.Name, ErrInvalid)
		case e.Kinds&(KindParallel|KindSerial) == 0:
			return fmt.Errorf("plugin %q decoder %q: no worker kinds: %w", tab.Name, e.Name, ErrInvalid)
		}
	}
	return nil
}

// Open loads the plugin at path and returns its table, after checking its
// version. A plugin may export either a Table or a pointer to one.
func Open(path string) (*Table, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}
	sym, err := p.Lookup(Symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", path, ErrSymbol)
	}
	var tab *Table
	switch t := sym.(type) {
	case *Table:
		tab = t
	case **Table:
		tab = *t
	default:
		return nil, fmt.Errorf("plugin %q: symbol has type %T: %w", path, sym, ErrSymbol)
	}
	if err := Check(tab); err != nil {
		return nil, err
	}
	return tab, nil
}
