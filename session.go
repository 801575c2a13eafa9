// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dissect

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/store"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

var (
	// ErrRunning is reported by Start if the session is already running.
	ErrRunning = errors.New("session is running")

	// ErrClosed is reported by methods of a closed session.
	ErrClosed = errors.New("session is closed")
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle    State = iota // not running; may be started
	Running              // decoding frames from a reader
	Closed               // terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state:%d", int32(s))
	}
}

// StopMode selects how a session stops.
type StopMode int

const (
	// Graceful stops reading and waits for frames already read to be decoded
	// and stored.
	Graceful StopMode = iota

	// Forced stops reading and discards frames not yet stored. Decodes already
	// in progress run to completion, but their frames are not stored.
	Forced
)

// A Session reads raw frames from a Reader, decodes them, and appends them to
// a Store in index order, notifying its host of progress through events.
//
// A session is Idle when created. Start begins a run, making it Running; the
// run ends when the reader is exhausted or fails, or when Stop is called, and
// the session becomes Idle again. Frame indices continue across runs. Close
// makes the session Closed, after which it cannot be restarted.
//
// Event handlers are called synchronously, one at a time, in the order of the
// events. A handler may read the store, but must not call Annotate, Stop, or
// Close on the session that delivered the event.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	disp  *decoder.Dispatcher
	store *store.Store

	emu sync.Mutex // serializes store updates and event delivery

	μ        sync.Mutex
	state    State
	ended    bool // Close has been called
	handlers []func(Event)
	writers  []Writer
	run      *run // the current or most recent run
}

// New constructs an idle session that decodes frames with the decoders in
// reg. Decoders registered after New returns are not used by the session.
// Zero-valued fields of cfg are populated from DefaultConfig.
func New(reg *decoder.Registry, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Watermark <= 0 {
		cfg.Watermark = def.Watermark
	}
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Session{
		cfg: cfg,
		log: log,
		disp: decoder.New(reg, &decoder.Options{
			Workers: cfg.Workers,
			Root:    cfg.Root,
			Tokens:  cfg.Tokens,
			Log:     &log,
			Config:  cfg.Decoders,
		}),
		store: store.New(),
	}
}

// OnEvent registers h to receive the events of s, and returns s to permit
// chaining.
func (s *Session) OnEvent(h func(Event)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.handlers = append(s.handlers, h)
	return s
}

// AddWriter adds w to the writers of s, and returns s to permit chaining. The
// writer receives frames stored after it is added.
func (s *Session) AddWriter(w Writer) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.writers = append(s.writers, w)
	return s
}

// Store returns the frame store of s.
func (s *Session) Store() *store.Store { return s.store }

// Env returns the decoder environment of s, including its token registry.
func (s *Session) Env() *decoder.Env { return s.disp.Env() }

// Metrics returns a metrics map for sessions. It is safe for the caller to add
// additional metrics to the map.
func (s *Session) Metrics() *expvar.Map { return sessionMetrics.emap }

// State reports the current state of s.
func (s *Session) State() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// run is the state of one run of a session.
type run struct {
	reader     Reader
	stopRead   context.CancelFunc // ends the reader loop
	stopDecode context.CancelFunc // abandons decodes waiting for a worker
	forced     atomic.Bool        // discard frames not yet stored
	closeOnce  sync.Once

	done chan struct{}
	err  error // set before done is closed
}

// halt signals the run to stop reading and, if force is set, to discard
// frames not yet stored.
func (r *run) halt(force bool) {
	r.stopRead()
	if force {
		r.forced.Store(true)
		r.stopDecode()
	}
	r.closeOnce.Do(func() {
		if c, ok := r.reader.(io.Closer); ok {
			c.Close()
		}
	})
}

// Start starts a run of s reading frames from r. Start does not block; call
// Wait to wait for the run to end and report its status. Start reports
// ErrRunning if s is already running, or ErrClosed if s is closed.
func (s *Session) Start(r Reader) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	switch s.state {
	case Running:
		return ErrRunning
	case Closed:
		return ErrClosed
	}

	readCtx, stopRead := context.WithCancel(context.Background())
	decodeCtx, stopDecode := context.WithCancel(context.Background())
	rn := &run{
		reader:     r,
		stopRead:   stopRead,
		stopDecode: stopDecode,
		done:       make(chan struct{}),
	}
	s.run = rn
	s.state = Running
	sessionMetrics.runsActive.Add(1)
	go s.pipeline(rn, readCtx, decodeCtx)
	return nil
}

// Stop stops the current run of s, if any, and blocks until it has ended. It
// returns the status of the run, as Wait does.
func (s *Session) Stop(mode StopMode) error {
	s.μ.Lock()
	rn := s.run
	s.μ.Unlock()
	if rn == nil {
		return nil
	}
	if mode == Forced {
		// Hold the commit lock so that no frame is partly committed when the
		// run switches to discarding.
		s.emu.Lock()
		rn.halt(true)
		s.emu.Unlock()
	} else {
		rn.halt(false)
	}
	<-rn.done
	return rn.err
}

// Wait blocks until the current run of s ends, and reports its status. If s
// has never been started, Wait returns nil immediately; otherwise it reports
// the status of the most recent run.
//
// The status is nil if the reader reached the end of input or the run was
// stopped on request; otherwise it is the error that ended the run.
func (s *Session) Wait() error {
	s.μ.Lock()
	rn := s.run
	s.μ.Unlock()
	if rn == nil {
		return nil
	}
	<-rn.done
	return rn.err
}

// Close stops s gracefully if it is running, closes its store, and ends its
// writers. After Close, s cannot be restarted, but its store remains
// readable. Close returns the errors reported by the writers.
func (s *Session) Close() error {
	s.μ.Lock()
	if s.ended {
		s.μ.Unlock()
		return nil
	}
	s.ended = true
	rn := s.run
	s.μ.Unlock()

	if rn != nil {
		rn.halt(false)
		<-rn.done
	}

	s.μ.Lock()
	s.state = Closed
	ws := s.writers
	s.μ.Unlock()

	s.store.Close()
	var errs []error
	for _, w := range ws {
		if err := w.End(); err != nil {
			errs = append(errs, fmt.Errorf("end writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Annotate adds metadata m to the stored frame with the given index, and
// notifies the handlers of s.
func (s *Session) Annotate(index uint64, m frame.Metadata) error {
	s.emu.Lock()
	defer s.emu.Unlock()
	if err := s.store.Annotate(index, m); err != nil {
		return err
	}
	m.Frame = index
	s.emitLocked(MetadataAdded{Frame: index, Meta: m})
	return nil
}

// Follow returns an iterator over the stored frames of s with index from
// onward, which waits for new frames until s is closed or ctx ends. See
// store.Follow.
func (s *Session) Follow(ctx context.Context, from uint64) iter.Seq2[*frame.Frame, error] {
	return store.Follow(ctx, s.store, from)
}

// Select returns an iterator over the frames currently in the store of s that
// satisfy f, in index order.
func (s *Session) Select(f Filter) iter.Seq2[uint64, *frame.Frame] {
	return func(yield func(uint64, *frame.Frame) bool) {
		for i, fr := range s.store.All(0) {
			if f.Test(fr.Layers) && !yield(i, fr) {
				return
			}
		}
	}
}

func (s *Session) emitLocked(e Event) {
	s.μ.Lock()
	hs := s.handlers
	s.μ.Unlock()
	for _, h := range hs {
		h(e)
	}
}

// decoded is the outcome of the parallel phase for one frame.
type decoded struct {
	job *decoder.Job
	err error // the frame was abandoned
}

// pipeline runs the stages of rn: the reader loop runs on the calling
// goroutine, parallel decodes each run in their own goroutine, and a single
// sequencer restores index order, runs serial decoders, and commits frames.
func (s *Session) pipeline(rn *run, readCtx, decodeCtx context.Context) {
	start := uint64(s.store.Len())
	gate := store.NewReorder[*decoder.Job](start, s.cfg.Watermark)
	results := make(chan decoded, s.cfg.Watermark)

	s.log.Info().Uint64("start", start).Int("workers", s.cfg.Workers).Msg("session started")
	seq := taskgroup.Go(func() error { return s.sequence(rn, gate, results) })

	g := taskgroup.New(nil)
	readErr := s.readLoop(rn, readCtx, decodeCtx, gate, g, results, start)
	g.Wait()
	close(results)
	err := seq.Wait()
	if err == nil {
		err = readErr
	}
	rn.stopRead()
	rn.stopDecode()

	fatal := errors.Is(err, store.ErrOutOfOrder) || errors.Is(err, decoder.ErrOrder)
	s.μ.Lock()
	if fatal {
		s.state = Closed
	} else if s.state == Running {
		s.state = Idle
	}
	s.μ.Unlock()
	if fatal {
		s.store.Close()
	}
	sessionMetrics.runsActive.Add(-1)

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Int("stored", s.store.Len()).Bool("forced", rn.forced.Load()).Msg("session stopped")

	s.emu.Lock()
	s.emitLocked(Stopped{Err: err})
	s.emu.Unlock()

	rn.err = err
	close(rn.done)
}

// readLoop reads frames from the reader of rn until it is exhausted or fails,
// or the run is stopped, starting a parallel decode for each. It reports an
// error only if the reader failed.
func (s *Session) readLoop(rn *run, readCtx, decodeCtx context.Context,
	gate *store.Reorder[*decoder.Job], g *taskgroup.Group, results chan<- decoded, start uint64) error {
	for next := start; readCtx.Err() == nil; next++ {
		if err := gate.Admit(readCtx, next); err != nil {
			return nil // stopped while waiting
		}
		raw, err := rn.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || readCtx.Err() != nil {
				return nil // end of input, or the reader was closed by Stop
			}
			rn.halt(false)
			return fmt.Errorf("read frame %d: %w", next, err)
		}
		sessionMetrics.framesRead.Add(1)

		job := s.disp.NewJob(next, raw)
		g.Go(func() error {
			results <- decoded{job: job, err: s.disp.DecodeParallel(decodeCtx, job)}
			return nil
		})
	}
	return nil
}

// sequence consumes the results of parallel decoding, restores their index
// order, and commits each contiguous run of frames. After an error it keeps
// draining results, but commits nothing further.
func (s *Session) sequence(rn *run, gate *store.Reorder[*decoder.Job], results <-chan decoded) error {
	var failed error
	for d := range results {
		if failed != nil || rn.forced.Load() {
			sessionMetrics.framesDropped.Add(1)
			continue
		} else if d.err != nil {
			// A decode is abandoned only when the run is forced to stop.
			sessionMetrics.framesDropped.Add(1)
			continue
		}
		jobs, err := gate.Complete(d.job.Index, d.job)
		if err != nil {
			failed = err
			rn.halt(false)
			continue
		}
		sessionMetrics.reorderPending.Set(int64(gate.Pending()))
		if len(jobs) == 0 {
			continue
		}
		if err := s.commit(rn, jobs); err != nil {
			failed = err
			rn.halt(false)
		}
	}
	return failed
}

// commit runs serial decoding for jobs, which must be contiguous and in index
// order, appends their frames to the store, announces them, and passes them
// to the writers.
func (s *Session) commit(rn *run, jobs []*decoder.Job) error {
	s.emu.Lock()
	defer s.emu.Unlock()
	if rn.forced.Load() {
		sessionMetrics.framesDropped.Add(int64(len(jobs)))
		return nil
	}

	frames := make([]*frame.Frame, len(jobs))
	for i, j := range jobs {
		if err := s.disp.DecodeSerial(j); err != nil {
			return err
		}
		frames[i] = j.Frame()
	}
	if err := s.store.Append(frames...); err != nil {
		return err
	}
	sessionMetrics.framesStored.Add(int64(len(frames)))

	// Stored frames are announced even if a writer then fails.
	s.emitLocked(FramesAvailable{Len: s.store.Len()})
	for _, f := range frames {
		for _, m := range f.Meta {
			s.emitLocked(MetadataAdded{Frame: f.Index, Meta: m})
		}
	}

	s.μ.Lock()
	ws := s.writers
	s.μ.Unlock()
	for _, w := range ws {
		if err := w.Write(frames); err != nil {
			return fmt.Errorf("write frames %d..%d: %w", frames[0].Index, frames[len(frames)-1].Index, err)
		}
	}
	return nil
}
