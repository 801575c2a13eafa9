// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dissect

import (
	"fmt"

	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/layer"
)

// A Reader produces the raw payloads of frames. Each successful call to Read
// yields the payload of exactly one new frame; the session takes ownership of
// the returned slice. Read reports io.EOF at the end of input.
//
// If a Reader also implements io.Closer, the session closes it when stopped,
// to unblock a pending Read.
type Reader interface {
	Read() ([]byte, error)
}

// A Writer consumes decoded frames. Write receives frames strictly in store
// order; End is called once when the session is closed.
type Writer interface {
	Write(frames []*frame.Frame) error
	End() error
}

// A Filter is a compiled predicate over the layers of a frame, in pre-order.
// A filter must not modify the layers.
type Filter interface {
	Test(layers []*layer.Layer) bool
}

// An Event is a notification from a session to its host.
// The concrete type of an Event is one of [FramesAvailable], [MetadataAdded],
// or [Stopped].
type Event interface {
	isEvent()
}

// FramesAvailable reports that the store has grown to Len frames. Every frame
// with index less than Len is retrievable when the event is delivered.
type FramesAvailable struct {
	Len int
}

// MetadataAdded reports metadata added to a frame. It is never delivered
// before a FramesAvailable event covering the frame.
type MetadataAdded struct {
	Frame uint64
	Meta  frame.Metadata
}

// Stopped reports that a run of the session ended. Err is nil if the reader
// reached the end of its input or the session was stopped on request.
type Stopped struct {
	Err error
}

func (FramesAvailable) isEvent() {}
func (MetadataAdded) isEvent()   {}
func (Stopped) isEvent()         {}

func (e FramesAvailable) String() string { return fmt.Sprintf("FramesAvailable(%d)", e.Len) }
func (e MetadataAdded) String() string {
	return fmt.Sprintf("MetadataAdded(%d, %v)", e.Frame, e.Meta.Kind)
}
func (e Stopped) String() string { return fmt.Sprintf("Stopped(%v)", e.Err) }
