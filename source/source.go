// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package source provides implementations of the dissect.Reader interface.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/creachadair/dissect/packet"
	"github.com/klauspost/compress/zstd"
)

// Slice returns a reader that yields each of the given payloads in order and
// then reports io.EOF.
func Slice(payloads [][]byte) *SliceReader { return &SliceReader{data: payloads} }

// A SliceReader yields payloads from a slice.
type SliceReader struct {
	μ    sync.Mutex
	data [][]byte
	next int
}

// Read implements a method of the [dissect.Reader] interface.
func (s *SliceReader) Read() ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.next >= len(s.data) {
		return nil, io.EOF
	}
	out := s.data[s.next]
	s.next++
	return out, nil
}

// Func adapts a function to the [dissect.Reader] interface.
type Func func() ([]byte, error)

// Read implements a method of the [dissect.Reader] interface by calling f.
func (f Func) Read() ([]byte, error) { return f() }

// Chan returns a reader that yields payloads received from ch, and reports
// io.EOF when ch is closed. Closing the reader unblocks a pending Read, which
// then reports net.ErrClosed.
func Chan(ch <-chan []byte) *ChanReader {
	return &ChanReader{ch: ch, done: make(chan struct{})}
}

// A ChanReader yields payloads from a channel.
type ChanReader struct {
	ch   <-chan []byte
	done chan struct{}
	once sync.Once
}

// Read implements a method of the [dissect.Reader] interface.
func (c *ChanReader) Read() ([]byte, error) {
	select {
	case <-c.done:
		return nil, net.ErrClosed
	case data, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

// Close closes the reader. It does not close the underlying channel.
func (c *ChanReader) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Records returns a reader that yields the payloads of the capture records
// read from r. See package packet for the record format.
func Records(r io.Reader) *RecordReader {
	return &RecordReader{rr: packet.NewRecordReader(r)}
}

// A RecordReader yields the payloads of capture records.
type RecordReader struct {
	rr *packet.RecordReader
	c  io.Closer // if non-nil, closed by Close
}

// Read implements a method of the [dissect.Reader] interface.
func (r *RecordReader) Read() ([]byte, error) { return r.rr.Next() }

// Count reports the number of records read so far.
func (r *RecordReader) Count() int { return r.rr.Count() }

// Close closes the underlying input, if it was opened by Open.
// Calls after the first have no effect.
func (r *RecordReader) Close() error {
	if r.c == nil {
		return nil
	}
	c := r.c
	r.c = nil
	return c.Close()
}

// zstdMagic is the frame magic number of a zstd stream.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Open opens the capture file at path and returns a reader for its records.
// If the file is compressed with zstd, it is decompressed transparently.
// The caller must close the reader when done with it.
func Open(path string) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, err
	}
	if !bytes.Equal(head, zstdMagic) {
		r := Records(br)
		r.c = f
		return r, nil
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		f.Close()
		return nil, err
	}
	r := Records(dec)
	r.c = closerFunc(func() error { dec.Close(); return f.Close() })
	return r, nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
