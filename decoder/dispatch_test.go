// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package decoder_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/internal/enginetest"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func newDispatcher(t *testing.T, tok *token.Registry, workers int, decs ...decoder.Decoder) *decoder.Dispatcher {
	t.Helper()
	reg := decoder.NewRegistry()
	for _, d := range decs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register %q: %v", d.Name(), err)
		}
	}
	return decoder.New(reg, &decoder.Options{Workers: workers, Tokens: tok})
}

func mustDecode(t *testing.T, d *decoder.Dispatcher, index uint64, raw []byte) *frame.Frame {
	t.Helper()
	f, err := d.Decode(context.Background(), index, raw)
	if err != nil {
		t.Fatalf("Decode %d: unexpected error: %v", index, err)
	}
	return f
}

// layerNames renders the layer tree of f as a list of "depth:name" strings.
func layerNames(tok *token.Registry, f *frame.Frame) []string {
	var out []string
	for i, l := range f.Layers {
		out = append(out, fmt.Sprintf("%d:%s", f.Pos[i].Depth, tok.Resolve(l.ID)))
	}
	return out
}

func TestNullDecoders(t *testing.T) {
	tok := token.New()
	d := newDispatcher(t, tok, 1)
	raw := []byte("hello, world")

	f := mustDecode(t, d, 0, raw)
	if f.Len() != 1 {
		t.Errorf("Frame has %d layers, want 1", f.Len())
	}
	root := f.Root()
	if got, want := tok.Resolve(root.ID), "frame"; got != want {
		t.Errorf("Root ID: got %q, want %q", got, want)
	}
	if diff := cmp.Diff(root.Data(), raw); diff != "" {
		t.Errorf("Root data (-got, +want):\n%s", diff)
	}
	if n := len(root.Attrs()); n != 0 {
		t.Errorf("Root has %d attributes, want 0", n)
	}
	if len(f.Meta) != 0 {
		t.Errorf("Frame metadata: got %v, want none", f.Meta)
	}
	if root.Confidence != 0 {
		t.Errorf("Root confidence: got %v, want none", root.Confidence)
	}
}

func TestFatal(t *testing.T) {
	tok := token.New()
	d := newDispatcher(t, tok, 1, enginetest.Eth(tok))

	f := mustDecode(t, d, 5, []byte("short"))
	if f.Len() != 1 {
		t.Errorf("Frame has %d layers, want 1", f.Len())
	}
	errs := f.Errors(0)
	if len(errs) != 1 {
		t.Fatalf("Got %d errors on the root, want 1: %v", len(errs), errs)
	}
	m := errs[0]
	if m.Frame != 5 || m.Layer != 0 || m.Kind != frame.Error {
		t.Errorf("Metadata: got %v, want error on frame 5 layer 0", m)
	}
	if got := tok.Resolve(m.Name); got != "eth" {
		t.Errorf("Metadata name: got %q, want eth", got)
	}
	if !strings.Contains(m.Text, enginetest.ErrBadHeader.Error()) {
		t.Errorf("Metadata text: got %q, want %q", m.Text, enginetest.ErrBadHeader)
	}
	if n := len(f.Root().Attrs()); n != 0 {
		t.Errorf("Failed root has %d attributes, want 0", n)
	}
}

func TestDecodeTree(t *testing.T) {
	tok := token.New()
	d := newDispatcher(t, tok, 4, enginetest.Eth(tok), enginetest.IPv4(tok, 4))

	raw := enginetest.EthFrame(0x0800, []byte{64, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	f := mustDecode(t, d, 0, raw)

	want := []string{"0:frame", "1:ipv4", "2:chunk", "2:chunk", "2:chunk"}
	if diff := cmp.Diff(layerNames(tok, f), want); diff != "" {
		t.Errorf("Layers (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(f.Children(1), []int{2, 3, 4}); diff != "" {
		t.Errorf("Children (-got, +want):\n%s", diff)
	}
	for i, l := range f.Layers {
		if i != 0 && !f.Layers[f.Pos[i].Parent].Encloses(l) {
			t.Errorf("Layer %d %v is not enclosed by its parent", i, l.Range())
		}
	}
	if got := f.Layers[4].Range(); got != (layer.Range{Start: 23, End: 25}) {
		t.Errorf("Last chunk range: got %v, want [23:25]", got)
	}

	checkUint := func(name string, want uint64) {
		t.Helper()
		a, ok := f.Attr(tok.Intern(name))
		if !ok {
			t.Fatalf("Attr %q not found", name)
		}
		v, err := a.Value()
		if err != nil {
			t.Fatalf("Attr %q value: %v", name, err)
		}
		if got, ok := v.AsUint(); !ok || got != want {
			t.Errorf("Attr %q: got %v, want %d", name, v, want)
		}
	}
	checkUint("eth.type", 0x0800)
	checkUint("ipv4.ttl", 64)

	// The source address is reachable through its alias.
	a, ok := f.Attr(tok.Intern("eth.addr"))
	if !ok {
		t.Fatal("Attr eth.addr not found")
	}
	v, _ := a.Value()
	if got, want := v.String(), "020000000002"; got != want {
		t.Errorf("eth.addr: got %q, want %q", got, want)
	}
}

func TestConfidence(t *testing.T) {
	tok := token.New()
	tests := []struct {
		name string
		decs []decoder.Decoder
		want string
		conf layer.Confidence
	}{
		{"ExactLast", []decoder.Decoder{
			enginetest.Claim(tok, "maybe", layer.Probable),
			enginetest.Claim(tok, "sure", layer.Exact),
		}, "sure", layer.Exact},
		{"ExactFirst", []decoder.Decoder{
			enginetest.Claim(tok, "sure", layer.Exact),
			enginetest.Claim(tok, "maybe", layer.Probable),
		}, "sure", layer.Exact},
		{"HigherWins", []decoder.Decoder{
			enginetest.Claim(tok, "weak", layer.Possible),
			enginetest.Claim(tok, "strong", layer.Probable),
			enginetest.Claim(tok, "weak2", layer.Possible),
		}, "strong", layer.Probable},
		{"TieFirstWins", []decoder.Decoder{
			enginetest.Claim(tok, "one", layer.Probable),
			enginetest.Claim(tok, "two", layer.Probable),
		}, "one", layer.Probable},
		{"SkipIgnored", []decoder.Decoder{
			decoder.Func("skip", func(*decoder.Context, *layer.Layer) decoder.Status {
				return decoder.Skip()
			}),
			enginetest.Claim(tok, "only", layer.Possible),
		}, "only", layer.Possible},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDispatcher(t, tok, 1, tc.decs...)
			f := mustDecode(t, d, 0, []byte("data"))
			root := f.Root()
			if got := enginetest.ClaimedBy(tok, root); got != tc.want {
				t.Errorf("Winner: got %q, want %q", got, tc.want)
			}
			if n := len(root.Attrs()); n != 1 {
				t.Errorf("Root has %d attributes, want 1 (losers must leave no trace)", n)
			}
			if root.Confidence != tc.conf {
				t.Errorf("Confidence: got %v, want %v", root.Confidence, tc.conf)
			}
		})
	}
}

func TestFatalAfterClaim(t *testing.T) {
	tok := token.New()
	d := newDispatcher(t, tok, 1,
		enginetest.Claim(tok, "maybe", layer.Possible),
		decoder.Func("broken", func(*decoder.Context, *layer.Layer) decoder.Status {
			return decoder.Fatal(errors.New("broken"))
		}),
	)
	f := mustDecode(t, d, 0, []byte("data"))
	if got := enginetest.ClaimedBy(tok, f.Root()); got != "" {
		t.Errorf("Root claimed by %q, want no claim after a fatal error", got)
	}
	if n := len(f.Errors(0)); n != 1 {
		t.Errorf("Got %d errors, want 1", n)
	}
}

func TestRegisterFilter(t *testing.T) {
	tok := token.New()
	reg := decoder.NewRegistry().
		MustRegister(enginetest.Eth(tok), tok.Intern("frame")).
		MustRegister(enginetest.Claim(tok, "data", layer.Exact), tok.Intern("data"))

	if err := reg.Register(enginetest.Claim(tok, "data", layer.Exact)); !errors.Is(err, decoder.ErrDuplicate) {
		t.Errorf("Register duplicate: got %v, want %v", err, decoder.ErrDuplicate)
	}
	got := mtest.MustPanic(t, func() { reg.MustRegister(enginetest.Eth(tok)) })
	if err, ok := got.(error); !ok || !errors.Is(err, decoder.ErrDuplicate) {
		t.Errorf("MustRegister duplicate: got panic %v, want %v", got, decoder.ErrDuplicate)
	}
	if diff := cmp.Diff(reg.Names(), []string{"eth", "data"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}

	d := decoder.New(reg, &decoder.Options{Tokens: tok})
	f := mustDecode(t, d, 0, enginetest.EthFrame(0x86dd, []byte("payload")))
	if diff := cmp.Diff(layerNames(tok, f), []string{"0:frame", "1:data"}); diff != "" {
		t.Errorf("Layers (-got, +want):\n%s", diff)
	}
	// The claim decoder only sees "data" layers, not the root.
	if got := enginetest.ClaimedBy(tok, f.Root()); got != "" {
		t.Errorf("Root claimed by %q, want eth", got)
	}
	if got := enginetest.ClaimedBy(tok, f.Layers[1]); got != "data" {
		t.Errorf("Data claimed by %q, want data", got)
	}
}

func TestBadChildren(t *testing.T) {
	tok := token.New()
	other := layer.Root(tok.Intern("frame"), []byte("elsewhere"))

	tests := []struct {
		name  string
		child func(l *layer.Layer) *layer.Layer
		want  error
	}{
		{"Loop", func(l *layer.Layer) *layer.Layer {
			c, _ := l.Rest(l.ID, 0)
			return c
		}, decoder.ErrLoop},
		{"CopiedLoop", func(l *layer.Layer) *layer.Layer {
			return layer.Synthetic(l.ID, bytes.Clone(l.Data()))
		}, decoder.ErrLoop},
		{"HeaderOverlap", func(l *layer.Layer) *layer.Layer {
			c, _ := l.Rest(tok.Intern("inner"), 0)
			l.SetHeader(4) // the child now overlaps the header
			return c
		}, layer.ErrRange},
		{"ForeignBuffer", func(*layer.Layer) *layer.Layer {
			return other
		}, layer.ErrRange},
		{"Nil", func(*layer.Layer) *layer.Layer { return nil }, layer.ErrRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDispatcher(t, tok, 1, decoder.Func("bad", func(_ *decoder.Context, l *layer.Layer) decoder.Status {
				return decoder.Done(tc.child(l))
			}))
			f := mustDecode(t, d, 0, []byte("some data"))
			if f.Len() != 1 {
				t.Errorf("Frame has %d layers, want 1", f.Len())
			}
			errs := f.Errors(0)
			if len(errs) != 1 {
				t.Fatalf("Got %d errors, want 1", len(errs))
			}
			// Metadata carries only the text of the error.
			if want := tc.want.Error(); !strings.Contains(errs[0].Text, want) {
				t.Errorf("Error text: got %q, want %q", errs[0].Text, want)
			}
		})
	}

	t.Run("Synthetic", func(t *testing.T) {
		d := newDispatcher(t, tok, 1, decoder.Func("inflate", func(_ *decoder.Context, l *layer.Layer) decoder.Status {
			if l.ID != tok.Intern("frame") {
				return decoder.Skip()
			}
			return decoder.Done(layer.Synthetic(tok.Intern("inflated"), []byte("much more data than before")))
		}))
		f := mustDecode(t, d, 0, []byte("zz"))
		if diff := cmp.Diff(layerNames(tok, f), []string{"0:frame", "1:inflated"}); diff != "" {
			t.Errorf("Layers (-got, +want):\n%s", diff)
		}
		if !f.Layers[1].Derived() {
			t.Error("Synthetic child is not derived")
		}
	})
}

func TestPanic(t *testing.T) {
	tok := token.New()
	d := newDispatcher(t, tok, 1, decoder.Func("oops", func(*decoder.Context, *layer.Layer) decoder.Status {
		panic("kaboom")
	}))
	f := mustDecode(t, d, 0, []byte("data"))
	errs := f.Errors(0)
	if len(errs) != 1 {
		t.Fatalf("Got %d errors, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Text, "kaboom") {
		t.Errorf("Error text: got %q, want it to mention the panic", errs[0].Text)
	}
}

func TestIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	tok := token.New()
	raw := enginetest.EthFrame(0x0800, []byte("\x40the quick brown fox jumps over the lazy dog"))
	newD := func() *decoder.Dispatcher {
		return newDispatcher(t, tok, 8, enginetest.Eth(tok), enginetest.IPv4(tok, 3))
	}
	f1 := mustDecode(t, newD(), 0, raw)
	f2 := mustDecode(t, newD(), 0, raw)
	if f1.Digest() != f2.Digest() {
		t.Error("Digests differ for the same input")
	}
	if diff := cmp.Diff(layerNames(tok, f1), layerNames(tok, f2)); diff != "" {
		t.Errorf("Layers differ (-first, +second):\n%s", diff)
	}

	f3 := mustDecode(t, newD(), 0, enginetest.EthFrame(0x0800, []byte("\x41different")))
	if f1.Digest() == f3.Digest() {
		t.Error("Digests agree for different input")
	}
}

func TestSerial(t *testing.T) {
	tok := token.New()
	s := &enginetest.Stream{Name: "stream"}
	d := newDispatcher(t, tok, 4, enginetest.DeferAll(tok, "split", "segment"), s.Decoder())

	const numFrames = 5
	var frames []*frame.Frame
	for i := range uint64(numFrames) {
		frames = append(frames, mustDecode(t, d, i, []byte(fmt.Sprintf("segment %d", i))))
	}
	if diff := cmp.Diff(s.Seen(), []uint64{0, 1, 2, 3, 4}); diff != "" {
		t.Errorf("Serial order (-got, +want):\n%s", diff)
	}

	for i, f := range frames {
		if f.Len() != 2 {
			t.Fatalf("Frame %d has %d layers, want 2", i, f.Len())
		}
		a, ok := f.Attr(tok.Intern("stream.seq"))
		if !ok {
			t.Fatalf("Frame %d: stream.seq not found", i)
		}
		v, _ := a.Value()
		if got, _ := v.AsUint(); got != uint64(i+1) {
			t.Errorf("Frame %d: seq %d, want %d", i, got, i+1)
		}

		var links []uint64
		for _, m := range f.Meta {
			if m.Kind == frame.Linkage {
				links = append(links, m.Links...)
			}
		}
		var want []uint64
		if i > 0 {
			want = []uint64{uint64(i - 1)}
		}
		if diff := cmp.Diff(links, want); diff != "" {
			t.Errorf("Frame %d links (-got, +want):\n%s", i, diff)
		}
	}

	t.Run("OutOfOrder", func(t *testing.T) {
		j := d.NewJob(2, []byte("late"))
		if err := d.DecodeParallel(context.Background(), j); err != nil {
			t.Fatalf("DecodeParallel: %v", err)
		}
		if !j.NeedsSerial() {
			t.Error("Job does not need serial decoding")
		}
		if err := d.DecodeSerial(j); !errors.Is(err, decoder.ErrOrder) {
			t.Errorf("DecodeSerial: got %v, want %v", err, decoder.ErrOrder)
		}
	})
}

func TestParallelSplit(t *testing.T) {
	defer leaktest.Check(t)()

	// The serial and parallel phases must agree on sibling order no matter how
	// the siblings were scheduled.
	tok := token.New()
	var payload []byte
	for i := range 200 {
		payload = append(payload, byte(i))
	}
	d := newDispatcher(t, tok, 16, enginetest.Eth(tok), enginetest.IPv4(tok, 1),
		enginetest.Claim(tok, "leaf", layer.Exact))
	f := mustDecode(t, d, 0, enginetest.EthFrame(0x0800, payload))

	kids := f.Children(1)
	if len(kids) != 199 {
		t.Fatalf("Got %d chunks, want 199", len(kids))
	}
	for i, h := range kids {
		l := f.Layers[h]
		if got := l.Data()[0]; got != byte(i+1) {
			t.Errorf("Chunk %d: got byte %d, want %d", i, got, i+1)
		}
		if got := enginetest.ClaimedBy(tok, l); got != "leaf" {
			t.Errorf("Chunk %d claimed by %q, want leaf", i, got)
		}
	}
}

func TestDecodeParallelContext(t *testing.T) {
	defer leaktest.Check(t)()

	tok := token.New()
	release := make(chan struct{})
	started := make(chan struct{})
	d := newDispatcher(t, tok, 1, decoder.Func("block", func(*decoder.Context, *layer.Layer) decoder.Status {
		close(started)
		<-release
		return decoder.Done()
	}))

	done := make(chan error, 1)
	go func() {
		_, err := d.Decode(context.Background(), 0, []byte("first"))
		done <- err
	}()
	<-started

	// With the only worker slot occupied, a second decode must give up when
	// its context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.DecodeParallel(ctx, d.NewJob(1, []byte("second"))); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DecodeParallel: got %v, want %v", err, context.DeadlineExceeded)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("First decode: unexpected error: %v", err)
	}
}
