// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package decoder

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// Options are settings for a Dispatcher. A nil *Options provides defaults.
type Options struct {
	// Workers bounds the number of goroutines decoding concurrently.
	// If zero or negative, runtime.GOMAXPROCS(0) is used.
	Workers int

	// Root is the identity given to the root layer of each frame.
	// If empty, "frame" is used.
	Root string

	// Tokens is the registry used to name layers. If nil, token.Default() is used.
	Tokens *token.Registry

	// Log receives diagnostics. If nil, diagnostics are discarded.
	Log *zerolog.Logger

	// Config is passed to decoders in their Env.
	Config map[string]layer.Value
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return o.Workers
}

func (o *Options) root() string {
	if o == nil || o.Root == "" {
		return "frame"
	}
	return o.Root
}

func (o *Options) tokens() *token.Registry {
	if o == nil || o.Tokens == nil {
		return token.Default()
	}
	return o.Tokens
}

// A Dispatcher applies decoders to the layers of frames.
//
// Parallel decoding of distinct frames is safe for concurrent use. Serial
// decoding must be invoked for jobs in nondecreasing index order, and the
// dispatcher enforces this.
type Dispatcher struct {
	env    *Env
	root   token.Token
	decs   []entry
	serial []serialWorker
	slots  chan struct{}

	smu  sync.Mutex // serializes DecodeSerial
	next uint64     // lowest index DecodeSerial will accept
}

type serialWorker struct {
	entry
	w Worker
}

// New constructs a dispatcher for the decoders in reg. Decoders registered
// after New returns are not seen by the dispatcher.
func New(reg *Registry, opts *Options) *Dispatcher {
	env := &Env{Tokens: opts.tokens(), Log: zerolog.Nop()}
	if opts != nil {
		if opts.Log != nil {
			env.Log = *opts.Log
		}
		env.Config = opts.Config
	}
	d := &Dispatcher{
		env:   env,
		root:  env.Tokens.Intern(opts.root()),
		decs:  reg.snapshot(),
		slots: make(chan struct{}, opts.workers()),
	}
	for _, e := range d.decs {
		if w := e.dec.NewWorker(Serial, env); w != nil {
			d.serial = append(d.serial, serialWorker{entry: e, w: w})
		}
	}
	return d
}

// Env returns the environment shared by the workers of d.
func (d *Dispatcher) Env() *Env { return d.env }

// A Job carries one frame through decoding.
type Job struct {
	Index uint64       // the index of the frame
	Root  *layer.Layer // the root of the layer tree

	μ        sync.Mutex
	notes    []frame.Note
	deferred map[*layer.Layer]bool
}

// NewJob constructs a job to decode raw as the frame with the given index.
// The job retains raw, which the caller must not modify afterward.
func (d *Dispatcher) NewJob(index uint64, raw []byte) *Job {
	return &Job{Index: index, Root: layer.Root(d.root, raw)}
}

func (j *Job) note(l *layer.Layer, m frame.Metadata) {
	j.μ.Lock()
	defer j.μ.Unlock()
	j.notes = append(j.notes, frame.Note{Layer: l, Meta: m})
}

func (j *Job) deferLayer(l *layer.Layer) {
	j.μ.Lock()
	defer j.μ.Unlock()
	if j.deferred == nil {
		j.deferred = make(map[*layer.Layer]bool)
	}
	j.deferred[l] = true
}

// NeedsSerial reports whether j has layers awaiting serial decoding.
func (j *Job) NeedsSerial() bool {
	j.μ.Lock()
	defer j.μ.Unlock()
	return len(j.deferred) != 0
}

// Frame builds the frame for j. It should be called only once decoding of j
// is complete.
func (j *Job) Frame() *frame.Frame {
	j.μ.Lock()
	defer j.μ.Unlock()
	return frame.Build(j.Index, j.Root, j.notes)
}

// Decode fully decodes raw as the frame with the given index, running both
// the parallel and serial phases. Because serial workers see frames in index
// order, calls to Decode on the same dispatcher must have increasing indices
// if any decoder offers serial workers.
func (d *Dispatcher) Decode(ctx context.Context, index uint64, raw []byte) (*frame.Frame, error) {
	j := d.NewJob(index, raw)
	if err := d.DecodeParallel(ctx, j); err != nil {
		return nil, err
	}
	if err := d.DecodeSerial(j); err != nil {
		return nil, err
	}
	return j.Frame(), nil
}

// DecodeParallel decodes the layers of j with parallel workers, deferring any
// layers marked for serial decoding. It blocks until a worker slot is free or
// ctx ends; once decoding has begun it runs to completion.
func (d *Dispatcher) DecodeParallel(ctx context.Context, j *Job) error {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer d.release()
	d.expand(j, j.Root, Parallel)
	dispatchMetrics.framesDecoded.Add(1)
	return nil
}

// DecodeSerial decodes the deferred layers of j with serial workers. It must
// be called after DecodeParallel, for jobs in nondecreasing index order, and
// reports ErrOrder otherwise.
func (d *Dispatcher) DecodeSerial(j *Job) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if j.Index < d.next {
		return fmt.Errorf("frame %d after %d: %w", j.Index, d.next-1, ErrOrder)
	}
	d.next = j.Index + 1
	if !j.NeedsSerial() {
		return nil
	}

	var visit func(l *layer.Layer)
	visit = func(l *layer.Layer) {
		j.μ.Lock()
		pending := j.deferred[l]
		delete(j.deferred, l)
		j.μ.Unlock()
		if pending {
			d.expand(j, l, Serial)
			return
		}
		for _, c := range l.Children() {
			visit(c)
		}
	}
	visit(j.Root)
	return nil
}

func (d *Dispatcher) tryAcquire() bool {
	select {
	case d.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) release() { <-d.slots }

// expand decodes l and then, recursively, its children. In the parallel phase
// deferred layers are set aside, and sibling subtrees are decoded
// concurrently when a worker slot is free. In the serial phase everything
// runs on the calling goroutine.
func (d *Dispatcher) expand(j *Job, l *layer.Layer, phase Kind) {
	if l.Deferred() && phase == Parallel {
		j.deferLayer(l)
		return
	}
	children := d.analyze(j, l, phase)

	var g *taskgroup.Group
	for i, c := range children {
		last := i == len(children)-1
		if phase == Parallel && !last && d.tryAcquire() {
			if g == nil {
				g = taskgroup.New(nil)
			}
			g.Go(func() error {
				defer d.release()
				d.expand(j, c, phase)
				return nil
			})
			continue
		}
		d.expand(j, c, phase)
	}
	if g != nil {
		g.Wait()
	}
}

type candidate struct {
	name    string
	status  Status
	scratch *layer.Layer
}

// analyze selects the winning decoder for l and attaches its children, which
// it returns. Errors are recorded as metadata on l.
func (d *Dispatcher) analyze(j *Job, l *layer.Layer, phase Kind) []*layer.Layer {
	var best *candidate
	var failed bool
	try := func(name string, w Worker) bool {
		s := l.Scratch()
		ctx := &Context{Env: d.env, job: j, layer: l}
		st := d.run(ctx, name, w, s)
		switch {
		case st.IsFatal():
			d.fail(j, l, name, st.Err())
			best, failed = nil, true
			return false
		case st.IsDone():
			if best == nil || st.conf > best.status.conf {
				best = &candidate{name: name, status: st, scratch: s}
			}
			return st.conf < layer.Exact
		}
		return true
	}

	if l.Deferred() && phase == Serial {
		for _, sw := range d.serial {
			if sw.accepts(l.ID) && !try(sw.dec.Name(), sw.w) {
				break
			}
		}
	} else {
		for _, e := range d.decs {
			if !e.accepts(l.ID) {
				continue
			}
			w := e.dec.NewWorker(Parallel, d.env)
			if w == nil {
				continue
			}
			if !try(e.dec.Name(), w) {
				break
			}
		}
	}
	if failed {
		return nil
	} else if best == nil {
		dispatchMetrics.layersSkipped.Add(1)
		return nil
	}

	children := best.status.children
	for _, c := range children {
		if err := d.checkChild(best.scratch, c); err != nil {
			d.fail(j, l, best.name, err)
			return nil
		}
	}
	l.Adopt(best.scratch)
	l.Confidence = best.status.conf
	l.AddChildren(children...)
	dispatchMetrics.layersDecoded.Add(1)
	return children
}

func (d *Dispatcher) checkChild(parent, c *layer.Layer) error {
	if c == nil {
		return fmt.Errorf("nil child: %w", layer.ErrRange)
	} else if sameInput(parent, c) {
		return fmt.Errorf("child %q %v: %w", d.env.Tokens.Resolve(c.ID), c.Range(), ErrLoop)
	} else if !parent.Encloses(c) {
		return fmt.Errorf("child %q %v outside payload %v: %w",
			d.env.Tokens.Resolve(c.ID), c.Range(), parent.PayloadRange(), layer.ErrRange)
	}
	return nil
}

// sameInput reports whether c repeats the input of parent unchanged: the
// same token over the same bytes, whether viewed in place or copied.
func sameInput(parent, c *layer.Layer) bool {
	if c.ID != parent.ID {
		return false
	} else if c.SameBuffer(parent) {
		return c.Range() == parent.Range()
	}
	return c.Derived() && bytes.Equal(c.Data(), parent.Data())
}

// run invokes w on l, converting a panic into a Fatal status.
func (d *Dispatcher) run(ctx *Context, name string, w Worker, l *layer.Layer) (st Status) {
	defer func() {
		if x := recover(); x != nil {
			dispatchMetrics.decodePanics.Add(1)
			st = Fatal(fmt.Errorf("decoder %q panicked (recovered): %v", name, x))
		}
	}()
	return w.Analyze(ctx, l)
}

func (d *Dispatcher) fail(j *Job, l *layer.Layer, name string, err error) {
	dispatchMetrics.decodeErrors.Add(1)
	d.env.Log.Debug().
		Uint64("frame", j.Index).
		Str("decoder", name).
		Str("layer", d.env.Tokens.Resolve(l.ID)).
		Err(err).
		Msg("decode failed")
	j.note(l, frame.Metadata{
		Kind: frame.Error,
		Name: d.env.Tokens.Intern(name),
		Text: err.Error(),
	})
}
