// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package store implements an append-only, index-ordered collection of
// decoded frames that supports concurrent readers while a single writer
// appends, and a reordering buffer that restores index order to frames that
// complete out of order.
//
// Readers of a [Store] never take a lock: the frames are held in fixed-size
// chunks reached through an atomically swapped directory, and the length is
// published only after the frame it covers has been written. Once a frame is
// visible it stays visible and does not change.
package store

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/dissect/frame"
)

var (
	// ErrOutOfOrder is reported when a frame is appended or completed with an
	// index other than the next expected one.
	ErrOutOfOrder = errors.New("frame index out of order")

	// ErrNotFound is reported for an index that has not been appended.
	ErrNotFound = errors.New("frame not found")

	// ErrClosed is reported by Append after the store is closed.
	ErrClosed = errors.New("store is closed")
)

const chunkSize = 1024

type chunk [chunkSize]*entry

type entry struct {
	frame *frame.Frame
	notes atomic.Pointer[[]frame.Metadata] // copy on write
}

// A Store is an append-only sequence of frames in index order. A Store must
// not be copied after first use. The zero value is ready for use.
//
// Writers (Append, Annotate, and Close) serialize among themselves. All
// methods are safe for concurrent use, and readers do not block writers.
type Store struct {
	dir    atomic.Pointer[[]*chunk]
	length atomic.Int64

	μ       sync.Mutex // protects the fields below, and is held by writers
	changed chan struct{}
	closed  bool
}

// New constructs a new empty store.
func New() *Store { return new(Store) }

// Len reports the number of frames in s. Successive calls to Len never report
// a smaller value.
func (s *Store) Len() int { return int(s.length.Load()) }

// Get returns the frame with index i, or nil if it has not been appended.
// Get never blocks.
func (s *Store) Get(i uint64) *frame.Frame {
	if e := s.entry(i); e != nil {
		return e.frame
	}
	return nil
}

func (s *Store) entry(i uint64) *entry {
	if i >= uint64(s.length.Load()) {
		return nil
	}
	dir := *s.dir.Load()
	return dir[i/chunkSize][i%chunkSize]
}

// Append adds frames to the end of s. Each frame's index must equal the
// length of the store at the time it is added, or Append reports
// ErrOutOfOrder; frames before the offending one are kept. Readers waiting on
// Changed are woken once, after all the frames have been added.
func (s *Store) Append(frames ...*frame.Frame) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(frames) == 0 {
		return nil
	}
	defer s.signalLocked()

	for _, f := range frames {
		n := s.length.Load()
		if f == nil {
			return fmt.Errorf("append nil frame at %d: %w", n, ErrOutOfOrder)
		} else if f.Index != uint64(n) {
			return fmt.Errorf("append frame %d at %d: %w", f.Index, n, ErrOutOfOrder)
		}

		var dir []*chunk
		if p := s.dir.Load(); p != nil {
			dir = *p
		}
		ci := int(n / chunkSize)
		if ci == len(dir) {
			// Grow the directory. Readers holding the old directory see the same
			// chunks, so they are not disturbed.
			next := append(slices.Clip(dir), new(chunk))
			s.dir.Store(&next)
			dir = next
		}
		dir[ci][n%chunkSize] = &entry{frame: f}
		s.length.Store(n + 1)
	}
	return nil
}

// signalLocked wakes all goroutines waiting on the current Changed channel.
// The caller must hold s.μ.
func (s *Store) signalLocked() {
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
}

// Changed returns a channel that is closed the next time frames are appended
// to s or metadata are added, or when s is closed. Each change closes the
// channel it replaces, so a caller should call Changed again after each wakeup.
func (s *Store) Changed() <-chan struct{} {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return closedChan
	}
	if s.changed == nil {
		s.changed = make(chan struct{})
	}
	return s.changed
}

var closedChan = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

// Close marks s as complete. No further frames may be appended, but the
// frames already present remain available. Close is idempotent.
func (s *Store) Close() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.closed {
		s.closed = true
		s.signalLocked()
	}
}

// IsClosed reports whether s has been closed.
func (s *Store) IsClosed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.closed
}

// Annotate adds m to the metadata of the frame with index i. The Frame field
// of m is set to i. Annotate reports ErrNotFound if i has not been appended.
func (s *Store) Annotate(i uint64, m frame.Metadata) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	e := s.entry(i)
	if e == nil {
		return fmt.Errorf("annotate frame %d: %w", i, ErrNotFound)
	}
	m.Frame = i
	var next []frame.Metadata
	if old := e.notes.Load(); old != nil {
		next = slices.Clip(*old)
	}
	next = append(next, m)
	e.notes.Store(&next)
	s.signalLocked()
	return nil
}

// Metadata returns the metadata of the frame with index i: first the metadata
// recorded while the frame was decoded, then any added by Annotate, in the
// order they were added. It returns nil if i has not been appended.
func (s *Store) Metadata(i uint64) []frame.Metadata {
	e := s.entry(i)
	if e == nil {
		return nil
	}
	out := slices.Clone(e.frame.Meta)
	if p := e.notes.Load(); p != nil {
		out = append(out, *p...)
	}
	return out
}

// All returns an iterator over the frames of s with index from onward, up to
// the length of s at the time iteration begins.
func (s *Store) All(from uint64) iter.Seq2[uint64, *frame.Frame] {
	return func(yield func(uint64, *frame.Frame) bool) {
		n := uint64(s.Len())
		for i := from; i < n; i++ {
			if !yield(i, s.Get(i)) {
				return
			}
		}
	}
}
