// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package export

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/token"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// ErrEnded is reported by a writer used after its End method was called.
var ErrEnded = errors.New("writer has ended")

// entry is one item of an export stream: either a frame record or, last, the
// token table.
type entry struct {
	Frame  *Record `cbor:"1,keyasint,omitempty"`
	Tokens []byte  `cbor:"2,keyasint,omitempty"`
}

// StreamOptions are settings for a StreamWriter. A nil *StreamOptions
// provides defaults.
type StreamOptions struct {
	// Compress, if true, compresses the stream with zstd.
	Compress bool

	// Level is the zstd compression level. If zero, the default level is used.
	Level zstd.EncoderLevel
}

// A StreamWriter writes frames to an io.Writer as a sequence of CBOR items.
// It implements the dissect.Writer interface.
type StreamWriter struct {
	tokens *token.Registry

	μ     sync.Mutex
	zw    *zstd.Encoder // nil if not compressing
	enc   *cbor.Encoder
	n     int
	ended bool
}

// NewStream constructs a StreamWriter that writes to w and ends the stream
// with a snapshot of tokens. The caller remains responsible for closing w
// after End.
func NewStream(w io.Writer, tokens *token.Registry, opts *StreamOptions) (*StreamWriter, error) {
	sw := &StreamWriter{tokens: tokens}
	if opts != nil && opts.Compress {
		var zopts []zstd.EOption
		if opts.Level != 0 {
			zopts = append(zopts, zstd.WithEncoderLevel(opts.Level))
		}
		zw, err := zstd.NewWriter(w, zopts...)
		if err != nil {
			return nil, fmt.Errorf("new stream: %w", err)
		}
		sw.zw = zw
		w = zw
	}
	sw.enc = cbor.NewEncoder(w)
	return sw, nil
}

// Write encodes frames to the stream in order.
func (s *StreamWriter) Write(frames []*frame.Frame) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ended {
		return ErrEnded
	}
	for _, f := range frames {
		rec := NewRecord(f)
		if err := s.enc.Encode(entry{Frame: &rec}); err != nil {
			return fmt.Errorf("write frame %d: %w", f.Index, err)
		}
		s.n++
	}
	return nil
}

// Count reports the number of frames written to s.
func (s *StreamWriter) Count() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.n
}

// End writes the token table and flushes the stream. Calls after the first
// have no effect.
func (s *StreamWriter) End() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	err := s.enc.Encode(entry{Tokens: s.tokens.Encode()})
	if s.zw != nil {
		err = errors.Join(err, s.zw.Close())
	}
	return err
}

// zstdMagic is the frame magic number of a zstd stream.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ReadStream reads a stream written by a StreamWriter from r, decompressing
// it if necessary. A stream that was never ended has no token table, but its
// records are still returned.
func ReadStream(r io.Reader) (*Capture, error) {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	var c Capture
	dec := cbor.NewDecoder(r)
	for {
		var e entry
		if err := dec.Decode(&e); errors.Is(err, io.EOF) {
			return &c, nil
		} else if err != nil {
			return nil, fmt.Errorf("read stream item %d: %w", len(c.Records), err)
		}
		switch {
		case e.Frame != nil:
			c.Records = append(c.Records, *e.Frame)
		case e.Tokens != nil:
			tab, err := token.Decode(e.Tokens)
			if err != nil {
				return nil, fmt.Errorf("read stream: %w", err)
			}
			c.Tokens = tab
		}
	}
}
