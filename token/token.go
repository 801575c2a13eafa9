// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package token implements an interning registry that maps strings to stable
// integer identifiers. Tokens name layers, attributes and error kinds without
// string comparisons on the decode path.
//
// # Usage
//
// Construct a registry and intern names in it:
//
//	reg := token.New()
//	eth := reg.Intern("eth")
//
// Interning is idempotent: the same string always yields the same token, and
// the empty string always yields [Null]. To recover the string for a token,
// use Resolve:
//
//	name := reg.Resolve(eth) // "eth"
//
// Resolve never fails; a token that was never issued resolves to "".
//
// A process-wide registry is available from [Default]. It is created on first
// use and is never torn down, so tokens issued by it remain valid for the
// lifetime of the process. Code that must be testable in isolation should
// accept a *Registry rather than reaching for Default.
//
// For names used on a hot path, a [Lit] caches the token for a single call
// site:
//
//	var ethName = token.Lit("eth")
//	...
//	if l.ID == ethName.In(reg) { ... }
package token

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// A Token is an interned identifier for a string. The zero value is [Null].
type Token uint32

// Null is the reserved token for the empty string.
const Null Token = 0

// MaxNameLen is the longest name that [Registry.Encode] can record.
const MaxNameLen = 1<<16 - 1

// A Registry maps strings to tokens and back. A zero Registry is not ready for
// use; call New. A Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	μ     sync.RWMutex
	ids   map[string]Token
	names []string // token → name; names[0] == ""
}

// New constructs a new empty registry.
func New() *Registry {
	return &Registry{ids: map[string]Token{"": Null}, names: []string{""}}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// Intern returns the token for s, assigning a new one if s has not been seen
// before by r.
func (r *Registry) Intern(s string) Token {
	r.μ.RLock()
	t, ok := r.ids[s]
	r.μ.RUnlock()
	if ok {
		return t
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	if t, ok := r.ids[s]; ok {
		return t // lost a race with another writer
	}
	t = Token(len(r.names))
	r.ids[s] = t
	r.names = append(r.names, s)
	return t
}

// Lookup reports the token for s, if one has been assigned. Unlike Intern,
// Lookup never creates a new token.
func (r *Registry) Lookup(s string) (Token, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	t, ok := r.ids[s]
	return t, ok
}

// Resolve returns the string for t, or "" if t was not issued by r.
func (r *Registry) Resolve(t Token) string {
	r.μ.RLock()
	defer r.μ.RUnlock()
	if int(t) >= len(r.names) {
		return ""
	}
	return r.names[t]
}

// Len reports the number of tokens issued by r, including Null.
func (r *Registry) Len() int {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return len(r.names)
}

// Names returns a copy of the names known to r, indexed by token.
func (r *Registry) Names() []string {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return append([]string(nil), r.names...)
}

// Encode encodes the contents of r in binary format.
//
// The wire format comprises the names of all non-null tokens in lexicographic
// order, followed by the corresponding token values in the reverse order of
// the names. Each name is encoded as a big-endian uint16 length followed by
// that many bytes of the name. Each token is encoded as a big-endian uint32.
// Names longer than [MaxNameLen] bytes cannot be represented and are omitted.
func (r *Registry) Encode() []byte {
	r.μ.RLock()
	defer r.μ.RUnlock()
	var nlen int
	names := make([]string, 0, len(r.names)-1)
	for _, name := range r.names[1:] {
		if len(name) > MaxNameLen {
			continue
		}
		names = append(names, name)
		nlen += 2 + len(name) // +2 for length tag
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	buf := make([]byte, nlen+4*len(names))
	npos, tpos := 0, len(buf)
	for _, name := range names {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(name)))
		npos += 2
		npos += copy(buf[npos:], name)
		tpos -= 4
		binary.BigEndian.PutUint32(buf[tpos:], uint32(r.ids[name]))
	}
	return buf
}

// Decode decodes data as an encoded registry and returns the resulting
// mapping from token to name. It does not modify any registry; tokens from
// another process are not meaningful in this one, and the caller decides how
// to translate them.
func Decode(data []byte) (map[Token]string, error) {
	out := make(map[Token]string)
	npos, tpos := 0, len(data)
	for {
		if npos == tpos {
			break
		} else if npos+2 > len(data) || npos > tpos {
			return nil, fmt.Errorf("truncated token table at offset %d", npos)
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return nil, fmt.Errorf("truncated name at offset %d", npos)
		}

		tpos -= 4
		if tpos < npos+nlen {
			return nil, fmt.Errorf("truncated token at offset %d", tpos)
		}
		t := Token(binary.BigEndian.Uint32(data[tpos:]))
		if t == Null {
			return nil, fmt.Errorf("null token for name at offset %d", npos)
		}
		out[t] = string(data[npos : npos+nlen])
		npos += nlen
	}
	return out, nil
}

// A Literal caches the token for a fixed string so that repeated lookups at a
// single call site do not touch the registry. A Literal remembers the registry
// it was last resolved against, and re-interns if given a different one.
type Literal struct {
	name  string
	cache atomic.Pointer[litEntry]
}

type litEntry struct {
	reg *Registry
	tok Token
}

// Lit returns a new Literal for name.
func Lit(name string) *Literal { return &Literal{name: name} }

// In returns the token for the literal in r.
func (l *Literal) In(r *Registry) Token {
	if e := l.cache.Load(); e != nil && e.reg == r {
		return e.tok
	}
	t := r.Intern(l.name)
	l.cache.Store(&litEntry{reg: r, tok: t})
	return t
}

// String returns the name of the literal.
func (l *Literal) String() string { return l.name }
