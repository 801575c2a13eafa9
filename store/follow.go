// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package store

import (
	"context"
	"iter"

	"github.com/creachadair/dissect/frame"
)

// Follow returns an iterator over the frames of s with index from onward,
// including frames appended while iteration is in progress. When the
// iterator has caught up with the store it waits for more frames.
//
// The iterator yields zero or more (f, nil) values. It ends without error
// once s is closed and every frame has been yielded. If ctx ends first, the
// iterator ends the sequence with a final (nil, err) pair.
func Follow(ctx context.Context, s *Store, from uint64) iter.Seq2[*frame.Frame, error] {
	return func(yield func(*frame.Frame, error) bool) {
		next := from
		for {
			// Capture the change channel before checking the length, so that an
			// append between the check and the wait is not missed.
			changed := s.Changed()
			closed := s.IsClosed()
			for ; next < uint64(s.Len()); next++ {
				if !yield(s.Get(next), nil) {
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}
