// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package filter compiles display filters into predicates over the layers of
// a frame.
//
// A filter is a space-separated conjunction of terms. The terms are:
//
//	name          a layer or an attribute named name is present
//	name==value   the innermost attribute named name renders as value
//	!term         term does not hold
//
// Attribute values are compared in the form produced by layer.Value.String;
// byte strings are compared as hexadecimal, ignoring case. Attribute names
// also match the aliases of their class. An empty filter matches every frame.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
)

// ErrSyntax is reported by Compile for a malformed filter.
var ErrSyntax = errors.New("filter syntax error")

// A Predicate is a compiled filter. It implements the dissect.Filter
// interface.
type Predicate struct {
	src   string
	terms []term
}

type term struct {
	neg   bool
	id    token.Token
	value string // "" for a presence test
}

// Compile compiles src into a predicate, interning the names it mentions in
// tokens.
func Compile(src string, tokens *token.Registry) (*Predicate, error) {
	p := &Predicate{src: src}
	for i, f := range strings.Fields(src) {
		var t term
		if rest, ok := strings.CutPrefix(f, "!"); ok {
			t.neg, f = true, rest
		}
		name, value, isCmp := strings.Cut(f, "==")
		if err := checkName(name); err != nil {
			return nil, fmt.Errorf("term %d %q: %w", i+1, f, err)
		}
		if isCmp {
			if value == "" {
				return nil, fmt.Errorf("term %d %q: missing value: %w", i+1, f, ErrSyntax)
			}
			t.value = value
		}
		t.id = tokens.Intern(name)
		p.terms = append(p.terms, t)
	}
	return p, nil
}

// MustCompile calls Compile and panics if it fails.
func MustCompile(src string, tokens *token.Registry) *Predicate {
	p, err := Compile(src, tokens)
	if err != nil {
		panic(err)
	}
	return p
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("missing name: %w", ErrSyntax)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("invalid character %q in name: %w", c, ErrSyntax)
		}
	}
	return nil
}

// Test reports whether the frame with the given layers, in pre-order,
// satisfies every term of p.
func (p *Predicate) Test(layers []*layer.Layer) bool {
	for _, t := range p.terms {
		if t.match(layers) == t.neg {
			return false
		}
	}
	return true
}

// String returns the source text of p.
func (p *Predicate) String() string { return p.src }

func (t term) match(layers []*layer.Layer) bool {
	if t.value == "" {
		for _, l := range layers {
			if l.ID == t.id {
				return true
			}
			for _, a := range l.Attrs() {
				if a.Class.Matches(t.id) {
					return true
				}
			}
		}
		return false
	}

	// Find the innermost attribute, as frame.Attr does.
	for i := len(layers) - 1; i >= 0; i-- {
		attrs := layers[i].Attrs()
		for j := len(attrs) - 1; j >= 0; j-- {
			if !attrs[j].Class.Matches(t.id) {
				continue
			}
			v, err := attrs[j].Value()
			if err != nil {
				return false
			}
			return strings.EqualFold(v.String(), t.value)
		}
	}
	return false
}
