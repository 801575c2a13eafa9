// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package decoder implements the dispatch engine that expands the layer tree
// of a frame by applying decoders to its layers.
//
// # Decoders and Workers
//
// A [Decoder] is a factory for [Worker] values. A worker examines a single
// layer and reports a [Status]:
//
//   - [Done] claims the layer. The children it returns are attached to the
//     layer in order, and are themselves submitted for decoding.
//   - [Skip] declines the layer; the dispatcher tries the next decoder.
//   - [Fatal] reports an unrecoverable error. The error is recorded as
//     metadata on the layer and decoding of that subtree stops, but the rest
//     of the frame is unaffected.
//
// Decoders offer workers of two kinds. [Parallel] workers are stateless and
// are created fresh for each layer, so they may run concurrently across
// frames and across sibling layers of one frame. [Serial] workers may keep
// state across layers (for example, to reassemble a stream); each decoder has
// at most one serial worker per dispatcher, and it sees deferred layers in
// frame-index order on a single goroutine.
//
// # Dispatch
//
// For each layer, the dispatcher consults the registered decoders in
// registration order. A Done result with [layer.Exact] confidence, or a Fatal
// result, ends the search. Otherwise the Done result with the highest
// confidence wins, and among equal confidences the first registered wins.
// Each candidate works on a scratch copy of the layer, so a decoder that does
// not win leaves no trace.
//
// A decoder that returns a child with the same identity and range as its
// parent would loop forever; the dispatcher rejects such a result with
// [ErrLoop]. A child whose range escapes its parent's payload is rejected with
// [layer.ErrRange]. A worker that panics is treated as reporting Fatal.
package decoder

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/rs/zerolog"
)

var (
	// ErrLoop is recorded when a decoder produces a child identical to the
	// layer it was decoding.
	ErrLoop = errors.New("decoder loop: child repeats its parent")

	// ErrDuplicate is reported by Register for a decoder name already in use.
	ErrDuplicate = errors.New("duplicate decoder name")

	// ErrOrder is reported when serial decoding is requested out of frame order.
	ErrOrder = errors.New("serial decode out of order")
)

// Kind selects a dispatch strategy for workers.
type Kind byte

const (
	Parallel Kind = 1 // stateless, created per layer, run concurrently
	Serial   Kind = 2 // stateful, one per dispatcher, run in frame order
)

func (k Kind) String() string {
	switch k {
	case Parallel:
		return "parallel"
	case Serial:
		return "serial"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// A Decoder is a factory for workers that decode layers.
type Decoder interface {
	// Name returns a unique name for the decoder.
	Name() string

	// NewWorker returns a new worker of the given kind, or nil if the decoder
	// does not offer workers of that kind.
	NewWorker(kind Kind, env *Env) Worker
}

// A Worker decodes a single layer.
//
// Analyze must not block on I/O. It may set the header and trailer of l and
// bind attributes to it, and it may construct children of l with l.Child or
// layer.Synthetic. Children are attached only if the result is Done and the
// worker wins the layer.
type Worker interface {
	Analyze(ctx *Context, l *layer.Layer) Status
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(*Context, *layer.Layer) Status

// Analyze implements the Worker interface by calling f.
func (f WorkerFunc) Analyze(ctx *Context, l *layer.Layer) Status { return f(ctx, l) }

// Env is the environment shared by all the workers of a dispatcher.
type Env struct {
	Tokens *token.Registry        // for naming layers and attributes
	Log    zerolog.Logger         // for diagnostics
	Config map[string]layer.Value // decoder settings, read-only
}

// Context is the per-layer context passed to a worker.
type Context struct {
	*Env

	job   *Job
	layer *layer.Layer
}

// Frame reports the index of the frame being decoded.
func (c *Context) Frame() uint64 { return c.job.Index }

// Intern returns the token for s.
func (c *Context) Intern(s string) token.Token { return c.Tokens.Intern(s) }

// Link records linkage metadata relating the frame being decoded to the
// frames with the specified indices. The linkage is kept even if the worker
// does not win the layer.
func (c *Context) Link(frames ...uint64) {
	if len(frames) == 0 {
		return
	}
	c.job.note(c.layer, frame.Metadata{Kind: frame.Linkage, Links: slices.Clone(frames)})
}

type statusCode byte

const (
	codeSkip statusCode = iota
	codeDone
	codeFatal
)

// A Status is the result of a worker's analysis of a layer. The zero value is
// equivalent to Skip.
type Status struct {
	code     statusCode
	conf     layer.Confidence
	children []*layer.Layer
	err      error
}

// Done reports that the worker claims the layer with exact confidence, and
// produced the specified children.
func Done(children ...*layer.Layer) Status { return DoneWith(layer.Exact, children...) }

// DoneWith reports that the worker claims the layer with the given confidence,
// and produced the specified children.
func DoneWith(conf layer.Confidence, children ...*layer.Layer) Status {
	return Status{code: codeDone, conf: conf, children: children}
}

// Skip reports that the worker does not recognize the layer.
func Skip() Status { return Status{} }

// Fatal reports an unrecoverable error decoding the layer.
func Fatal(err error) Status {
	if err == nil {
		err = errors.New("unspecified fatal error")
	}
	return Status{code: codeFatal, err: err}
}

// IsDone reports whether s claims the layer.
func (s Status) IsDone() bool { return s.code == codeDone }

// IsSkip reports whether s declines the layer.
func (s Status) IsSkip() bool { return s.code == codeSkip }

// IsFatal reports whether s is an error.
func (s Status) IsFatal() bool { return s.code == codeFatal }

// Confidence reports the confidence of a Done status.
func (s Status) Confidence() layer.Confidence { return s.conf }

// Children reports the children of a Done status.
func (s Status) Children() []*layer.Layer { return s.children }

// Err reports the error of a Fatal status.
func (s Status) Err() error { return s.err }

func (s Status) String() string {
	switch s.code {
	case codeDone:
		return fmt.Sprintf("Done(%v, %d children)", s.conf, len(s.children))
	case codeFatal:
		return fmt.Sprintf("Fatal(%v)", s.err)
	default:
		return "Skip"
	}
}

// A Registry is an ordered collection of decoders. The order of registration
// determines the order in which decoders are consulted, and breaks ties
// between decoders claiming a layer with equal confidence.
type Registry struct {
	μ     sync.Mutex
	decs  []entry
	names map[string]bool
}

type entry struct {
	dec Decoder
	on  []token.Token // empty means every layer
}

func (e entry) accepts(id token.Token) bool {
	return len(e.on) == 0 || slices.Contains(e.on, id)
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry { return &Registry{names: make(map[string]bool)} }

// Register adds d to r. If any layer identities are given, d is consulted only
// for layers with one of those identities; otherwise it is consulted for every
// layer. Register reports ErrDuplicate if the name of d is already in use.
func (r *Registry) Register(d Decoder, on ...token.Token) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	name := d.Name()
	if r.names[name] {
		return fmt.Errorf("register %q: %w", name, ErrDuplicate)
	}
	r.names[name] = true
	r.decs = append(r.decs, entry{dec: d, on: slices.Clone(on)})
	return nil
}

// Has reports whether a decoder with the given name is registered in r.
func (r *Registry) Has(name string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.names[name]
}

// MustRegister calls Register and panics if it fails. It returns r to permit
// chaining.
func (r *Registry) MustRegister(d Decoder, on ...token.Token) *Registry {
	if err := r.Register(d, on...); err != nil {
		panic(err)
	}
	return r
}

// Len reports the number of registered decoders.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.decs)
}

// Names returns the names of the registered decoders in registration order.
func (r *Registry) Names() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]string, len(r.decs))
	for i, e := range r.decs {
		out[i] = e.dec.Name()
	}
	return out
}

func (r *Registry) snapshot() []entry {
	if r == nil {
		return nil
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.decs)
}
