// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package enginetest provides toy decoders and helpers for testing the
// decoding pipeline. None of the decoders here is a faithful protocol
// implementation; they exist to exercise the machinery.
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
)

// ErrBadHeader is reported by the Eth decoder for short input.
var ErrBadHeader = errors.New("bad header")

// EthClasses are the attribute classes bound by the Eth decoder.
type EthClasses struct {
	Dst, Src, Type *layer.AttrClass
}

// NewEthClasses creates the Eth attribute classes in reg.
func NewEthClasses(reg *token.Registry) *EthClasses {
	return &EthClasses{
		Dst: &layer.AttrClass{
			ID: reg.Intern("eth.dst"), Type: layer.KindBytes, Path: "eth.dst",
			Name: "Destination", BitOffset: 0, BitLen: 48,
		},
		Src: &layer.AttrClass{
			ID: reg.Intern("eth.src"), Type: layer.KindBytes, Path: "eth.src",
			Name: "Source", BitOffset: 48, BitLen: 48,
			Aliases: []token.Token{reg.Intern("eth.addr")},
		},
		Type: &layer.AttrClass{
			ID: reg.Intern("eth.type"), Type: layer.KindUint, Path: "eth.type",
			Name: "Type", BitOffset: 96, BitLen: 16,
		},
	}
}

// Eth returns a decoder that treats a layer named "frame" as a 14-byte
// Ethernet-like header followed by a payload. The payload becomes a child named "ipv4" if the type
// field is 0x0800, otherwise "data". Input shorter than 14 bytes is Fatal.
func Eth(reg *token.Registry) decoder.Decoder {
	cls := NewEthClasses(reg)
	root, ipv4, data := reg.Intern("frame"), reg.Intern("ipv4"), reg.Intern("data")
	return decoder.Func("eth", func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
		if l.ID != root {
			return decoder.Skip()
		} else if len(l.Payload()) < 14 {
			return decoder.Fatal(fmt.Errorf("%d bytes: %w", len(l.Payload()), ErrBadHeader))
		}
		for _, c := range []*layer.AttrClass{cls.Dst, cls.Src, cls.Type} {
			if err := l.AddAttr(c, 0); err != nil {
				return decoder.Fatal(err)
			}
		}
		etype := uint16(l.Payload()[12])<<8 | uint16(l.Payload()[13])
		if err := l.SetHeader(14); err != nil {
			return decoder.Fatal(err)
		}
		if len(l.Payload()) == 0 {
			return decoder.Done()
		}
		next := data
		if etype == 0x0800 {
			next = ipv4
		}
		child, err := l.Rest(next, 0)
		if err != nil {
			return decoder.Fatal(err)
		}
		return decoder.Done(child)
	})
}

// EthFrame returns a raw Ethernet-like frame with the given type and payload.
func EthFrame(etype uint16, payload []byte) []byte {
	out := []byte{
		0x02, 0, 0, 0, 0, 1, // dst
		0x02, 0, 0, 0, 0, 2, // src
		byte(etype >> 8), byte(etype),
	}
	return append(out, payload...)
}

// IPv4 returns a decoder for layers named "ipv4" that binds a TTL attribute
// from the first byte and splits the rest of the payload into fixed-size
// chunks named "chunk", which are siblings.
func IPv4(reg *token.Registry, chunk int) decoder.Decoder {
	ttl := &layer.AttrClass{
		ID: reg.Intern("ipv4.ttl"), Type: layer.KindUint, Path: "ipv4.ttl", BitLen: 8,
	}
	self, chunkID := reg.Intern("ipv4"), reg.Intern("chunk")
	return decoder.Func("ipv4", func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
		if l.ID != self || len(l.Payload()) == 0 {
			return decoder.Skip()
		}
		if err := l.AddAttr(ttl, 0); err != nil {
			return decoder.Fatal(err)
		}
		if err := l.SetHeader(1); err != nil {
			return decoder.Fatal(err)
		}
		return decoder.Done(Chunks(l, chunkID, chunk)...)
	})
}

// Chunks splits the payload of l into children of at most n bytes each.
func Chunks(l *layer.Layer, id token.Token, n int) []*layer.Layer {
	var out []*layer.Layer
	size := len(l.Payload())
	for off := 0; off < size; off += n {
		c, err := l.Child(id, off, min(n, size-off))
		if err != nil {
			panic(err) // cannot happen, the ranges are in bounds
		}
		out = append(out, c)
	}
	return out
}

// Claim returns a decoder that claims every layer it is offered with the
// given confidence, binding an explicit attribute naming itself, and produces
// no children.
func Claim(reg *token.Registry, name string, conf layer.Confidence) decoder.Decoder {
	by := &layer.AttrClass{ID: reg.Intern("claimed.by"), Type: layer.KindBytes, Path: "claimed.by"}
	return decoder.Func(name, func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
		if err := l.SetValue(by, layer.Bytes([]byte(name))); err != nil {
			return decoder.Fatal(err)
		}
		return decoder.DoneWith(conf)
	})
}

// ClaimedBy reports the name of the decoder that claimed l via Claim, or "".
func ClaimedBy(reg *token.Registry, l *layer.Layer) string {
	id := reg.Intern("claimed.by")
	for _, a := range l.Attrs() {
		if a.Class.ID == id {
			v, _ := a.Value()
			b, _ := v.AsBytes()
			return string(b)
		}
	}
	return ""
}

// Stream is a serial decoder that numbers the deferred layers it sees and
// links each frame to the previous frame in which it saw one.
type Stream struct {
	Name string

	μ    sync.Mutex
	seen []uint64 // frame indices, in the order seen
}

// Seen returns the frame indices in which the stream saw deferred layers, in
// the order it saw them.
func (s *Stream) Seen() []uint64 {
	s.μ.Lock()
	defer s.μ.Unlock()
	return append([]uint64(nil), s.seen...)
}

// Decoder returns a serial decoder for s.
func (s *Stream) Decoder() decoder.Decoder {
	return decoder.Stateful(s.Name, func(env *decoder.Env) decoder.Worker {
		seq := &layer.AttrClass{ID: env.Tokens.Intern(s.Name + ".seq"), Type: layer.KindUint, Path: s.Name + ".seq"}
		return decoder.WorkerFunc(func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
			s.μ.Lock()
			defer s.μ.Unlock()
			if n := len(s.seen); n != 0 {
				ctx.Link(s.seen[n-1])
			}
			s.seen = append(s.seen, ctx.Frame())
			if err := l.SetValue(seq, layer.Uint(uint64(len(s.seen)))); err != nil {
				return decoder.Fatal(err)
			}
			return decoder.Done()
		})
	})
}

// DeferAll returns a decoder that claims layers and produces one child with
// the given identity covering the whole payload, marked for serial decoding.
func DeferAll(reg *token.Registry, name, child string) decoder.Decoder {
	id := reg.Intern(child)
	return decoder.Func(name, func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
		c, err := l.Rest(id, 0)
		if err != nil {
			return decoder.Fatal(err)
		}
		c.Defer()
		return decoder.Done(c)
	})
}

// Reverse is a decoder that forces frames to finish decoding in reverse index
// order: the worker for frame i does not return until frame i+1 has finished,
// except for the last frame. All N frames must be decoding concurrently.
type Reverse struct {
	gates []chan struct{}
}

// NewReverse constructs a Reverse decoder for n frames.
func NewReverse(n int) *Reverse {
	r := &Reverse{gates: make([]chan struct{}, n)}
	for i := range r.gates {
		r.gates[i] = make(chan struct{})
	}
	return r
}

// Decoder returns a parallel decoder for r.
func (r *Reverse) Decoder() decoder.Decoder {
	return decoder.Func("reverse", func(ctx *decoder.Context, l *layer.Layer) decoder.Status {
		i := int(ctx.Frame())
		if i+1 < len(r.gates) {
			<-r.gates[i+1]
		}
		close(r.gates[i])
		return decoder.Done()
	})
}
