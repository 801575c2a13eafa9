// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package export

import (
	"slices"
	"sync"

	"github.com/creachadair/dissect/frame"
)

// Memory is a writer that keeps the frames it receives. The zero value is
// ready for use.
type Memory struct {
	μ      sync.Mutex
	frames []*frame.Frame
	ended  bool
}

// Write appends frames to m.
func (m *Memory) Write(frames []*frame.Frame) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.ended {
		return ErrEnded
	}
	m.frames = append(m.frames, frames...)
	return nil
}

// End marks m as ended.
func (m *Memory) End() error {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.ended = true
	return nil
}

// Frames returns a copy of the frames written to m, in order.
func (m *Memory) Frames() []*frame.Frame {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Clone(m.frames)
}

// Ended reports whether End has been called on m.
func (m *Memory) Ended() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.ended
}
