// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package store

import (
	"context"
	"fmt"
	"sync"
)

// A Reorder buffers values that complete out of index order, and releases
// them in order as contiguous runs become available. It also gates admission
// of new indices, so that the number of indices in flight ahead of the next
// expected one never exceeds a watermark.
type Reorder[T any] struct {
	watermark uint64

	μ       sync.Mutex
	next    uint64 // lowest index not yet released
	pending map[uint64]T
	wake    chan struct{} // closed when next advances
}

// NewReorder constructs a reorder buffer expecting indices from start onward,
// admitting at most watermark indices beyond the next expected. If watermark
// is less than 1, it is treated as 1.
func NewReorder[T any](start uint64, watermark int) *Reorder[T] {
	return &Reorder[T]{
		watermark: uint64(max(watermark, 1)),
		next:      start,
		pending:   make(map[uint64]T),
		wake:      make(chan struct{}),
	}
}

// Admit blocks until index i is within the watermark of the next expected
// index, or until ctx ends. It reports ctx.Err() if ctx ends first.
func (r *Reorder[T]) Admit(ctx context.Context, i uint64) error {
	for {
		r.μ.Lock()
		ok, wake := i < r.next+r.watermark, r.wake
		r.μ.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Complete records v as the value for index i, and returns the longest
// contiguous run of values beginning at the next expected index, which may be
// empty. It reports ErrOutOfOrder if i was already released or completed.
func (r *Reorder[T]) Complete(i uint64, v T) ([]T, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if i < r.next {
		return nil, fmt.Errorf("complete %d, already released through %d: %w", i, r.next-1, ErrOutOfOrder)
	} else if _, ok := r.pending[i]; ok {
		return nil, fmt.Errorf("complete %d twice: %w", i, ErrOutOfOrder)
	}
	r.pending[i] = v

	var out []T
	for {
		w, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		out = append(out, w)
		r.next++
	}
	if len(out) != 0 {
		close(r.wake)
		r.wake = make(chan struct{})
	}
	return out, nil
}

// Next reports the lowest index not yet released.
func (r *Reorder[T]) Next() uint64 {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.next
}

// Pending reports the number of values completed but not yet released.
func (r *Reorder[T]) Pending() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.pending)
}
