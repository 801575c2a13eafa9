// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dissect_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/creachadair/dissect"
	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/internal/enginetest"
	"github.com/creachadair/dissect/packet"
	"github.com/creachadair/dissect/source"
	"github.com/creachadair/dissect/token"
)

func BenchmarkDecode(b *testing.B) {
	payload := enginetest.EthFrame(0x0800, bytes.Repeat([]byte("fuzzy wuzzy was a bear\n"), 16))

	b.Run("Dispatcher-null", func(b *testing.B) {
		d := decoder.New(decoder.NewRegistry(), &decoder.Options{Tokens: token.New()})
		runDispatch(b, d, payload)
	})
	b.Run("Dispatcher-ipv4", func(b *testing.B) {
		tok := token.New()
		runDispatch(b, decoder.New(benchRegistry(tok), &decoder.Options{Tokens: tok}), payload)
	})

	b.Run("Session-ipv4", func(b *testing.B) {
		tok := token.New()
		cfg := dissect.DefaultConfig()
		cfg.Tokens = tok
		s := dissect.New(benchRegistry(tok), cfg)
		defer s.Close()
		runSession(b, s, payload)
	})
	b.Run("Session-records", func(b *testing.B) {
		tok := token.New()
		cfg := dissect.DefaultConfig()
		cfg.Tokens = tok
		s := dissect.New(benchRegistry(tok), cfg)
		defer s.Close()

		var buf []byte
		for range 256 {
			buf = packet.AppendRecord(buf, payload)
		}
		for b.Loop() {
			if err := s.Start(source.Records(bytes.NewReader(buf))); err != nil {
				b.Fatal(err)
			}
			if err := s.Wait(); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchRegistry(tok *token.Registry) *decoder.Registry {
	return decoder.NewRegistry().
		MustRegister(enginetest.Eth(tok)).
		MustRegister(enginetest.IPv4(tok, 64))
}

func runDispatch(b *testing.B, d *decoder.Dispatcher, data []byte) {
	b.Helper()
	ctx := context.Background()

	var i uint64
	for b.Loop() {
		if _, err := d.Decode(ctx, i, data); err != nil {
			b.Fatal(err)
		}
		i++
	}
}

func runSession(b *testing.B, s *dissect.Session, data []byte) {
	b.Helper()
	batch := make([][]byte, 256)
	for i := range batch {
		batch[i] = data
	}
	for b.Loop() {
		if err := s.Start(source.Slice(batch)); err != nil {
			b.Fatal(err)
		}
		if err := s.Wait(); err != nil {
			b.Fatal(err)
		}
	}
}
