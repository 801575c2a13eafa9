// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package abi_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/creachadair/dissect/abi"
	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// toyTable returns a plugin table with two decoders:
//
// The "tlv" decoder reads a type byte and a length byte from the root, and
// produces the value as a deferred "tlv.body" child and a derived "tlv.rev"
// child holding the value reversed. Bytes after the value are a trailer.
//
// The "count" decoder numbers the "tlv.body" layers it sees, serially.
func toyTable(initOK *bool) *abi.Table {
	return &abi.Table{
		Version: abi.Version,
		Name:    "toy",
		Init: func(h abi.Host) error {
			t := h.Intern("tlv.body")
			*initOK = t != 0 && h.Resolve(t) == "tlv.body"
			return nil
		},
		Decoders: []abi.DecoderEntry{{
			Name:   "tlv",
			Kinds:  abi.KindParallel,
			Layers: []string{"frame"},
			Attrs: []abi.AttrSpec{
				{Path: "tlv.type", Type: layer.KindUint, BitOffset: 0, BitLen: 8},
				{Path: "tlv.len", Type: layer.KindUint, BitOffset: 8, BitLen: 8, Aliases: []string{"tlv.size"}},
				{Path: "tlv.tag", Type: layer.KindBytes},
			},
			NewWorker: abi.Configure(func(kind uint8, s abi.Settings) (abi.WorkerFunc, error) {
				tag := s.String("tag", "none")
				return func(in abi.Input) abi.Output {
					if len(in.Data) < 2 {
						return abi.Fatalf("short input (%d bytes)", len(in.Data))
					}
					n := int(in.Data[1])
					if 2+n > len(in.Data) {
						return abi.Fatalf("value length %d exceeds input", n)
					}
					rev := slices.Clone(in.Data[2 : 2+n])
					slices.Reverse(rev)
					return abi.Output{
						Status:  abi.StatusDone,
						Header:  2,
						Trailer: len(in.Data) - 2 - n,
						Attrs: []abi.AttrOut{
							{Spec: 0}, {Spec: 1},
							{Spec: 2, Value: layer.Bytes([]byte(tag))},
						},
						Children: []abi.ChildOut{
							{Layer: "tlv.body", Offset: 0, Len: n, Defer: true},
							{Layer: "tlv.rev", Data: rev},
						},
					}
				}, nil
			}),
		}, {
			Name:   "count",
			Kinds:  abi.KindSerial,
			Layers: []string{"tlv.body"},
			Attrs:  []abi.AttrSpec{{Path: "count.seq", Type: layer.KindUint, BitLen: 64}},
			NewWorker: func(kind uint8, _ []byte) abi.WorkerFunc {
				var last []uint64
				return func(in abi.Input) abi.Output {
					out := abi.Output{
						Status: abi.StatusDone,
						Attrs:  []abi.AttrOut{{Spec: 0, Value: layer.Uint(uint64(len(last) + 1))}},
						Links:  last,
					}
					last = []uint64{in.Frame}
					return out
				}
			},
		}},
	}
}

func TestRegister(t *testing.T) {
	tok := token.New()
	reg := decoder.NewRegistry()
	var initOK bool
	ctx := map[string]layer.Value{"tag": layer.Bytes([]byte("x"))}
	if err := abi.Register(reg, toyTable(&initOK), tok, ctx); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if !initOK {
		t.Error("Init did not see a working host")
	}
	if diff := cmp.Diff(reg.Names(), []string{"tlv", "count"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}

	d := decoder.New(reg, &decoder.Options{Workers: 2, Tokens: tok})
	var frames []*frame.Frame
	for i, raw := range [][]byte{
		{7, 3, 'a', 'b', 'c', 'z'},
		{9, 1, 'q'},
	} {
		f, err := d.Decode(context.Background(), uint64(i), raw)
		if err != nil {
			t.Fatalf("Decode %d: unexpected error: %v", i, err)
		}
		frames = append(frames, f)
	}

	f := frames[0]
	var names []string
	for _, l := range f.Layers {
		names = append(names, tok.Resolve(l.ID))
	}
	if diff := cmp.Diff(names, []string{"frame", "tlv.body", "tlv.rev"}); diff != "" {
		t.Fatalf("Layers (-got, +want):\n%s", diff)
	}
	root, body, rev := f.Layers[0], f.Layers[1], f.Layers[2]
	if got := string(root.Trailer()); got != "z" {
		t.Errorf("Root trailer: got %q, want z", got)
	}
	if got := string(body.Data()); got != "abc" {
		t.Errorf("Body: got %q, want abc", got)
	}
	if got := string(rev.Data()); got != "cba" || !rev.Derived() {
		t.Errorf("Rev: got %q (derived=%v), want cba (derived)", got, rev.Derived())
	}

	check := func(f *frame.Frame, name string, want layer.Value) {
		t.Helper()
		a, ok := f.Attr(tok.Intern(name))
		if !ok {
			t.Errorf("Attr %q not found", name)
			return
		}
		v, err := a.Value()
		if err != nil || !v.Equal(want) {
			t.Errorf("Attr %q: got %v, %v; want %v", name, v, err, want)
		}
	}
	check(f, "tlv.type", layer.Uint(7))
	check(f, "tlv.size", layer.Uint(3))
	check(f, "tlv.tag", layer.Bytes([]byte("x")))
	check(f, "count.seq", layer.Uint(1))
	check(frames[1], "count.seq", layer.Uint(2))

	var links []uint64
	for _, m := range frames[1].Meta {
		if m.Kind == frame.Linkage {
			links = append(links, m.Links...)
		}
	}
	if diff := cmp.Diff(links, []uint64{0}); diff != "" {
		t.Errorf("Frame 1 links (-got, +want):\n%s", diff)
	}

	// Failures in the plugin are recorded on the layer.
	bad, err := d.Decode(context.Background(), 2, []byte{1})
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if errs := bad.Errors(0); len(errs) != 1 || !strings.Contains(errs[0].Text, "short input") {
		t.Errorf("Errors: got %v, want short input", errs)
	}
}

func TestDispatcherSettings(t *testing.T) {
	// With no explicit context, workers see the dispatcher settings.
	tok := token.New()
	reg := decoder.NewRegistry()
	var initOK bool
	if err := abi.Register(reg, toyTable(&initOK), tok, nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	d := decoder.New(reg, &decoder.Options{
		Tokens: tok,
		Config: map[string]layer.Value{"tag": layer.Bytes([]byte("env"))},
	})
	f, err := d.Decode(context.Background(), 0, []byte{1, 0})
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	a, ok := f.Attr(tok.Intern("tlv.tag"))
	if !ok {
		t.Fatal("Attr tlv.tag not found")
	}
	if v, _ := a.Value(); !v.Equal(layer.Bytes([]byte("env"))) {
		t.Errorf("tlv.tag: got %v, want env", v)
	}
}

func TestCheck(t *testing.T) {
	noop := abi.Stateless(func(abi.Input) abi.Output { return abi.Skip() })
	tests := []struct {
		name string
		tab  *abi.Table
		want error
	}{
		{"Nil", nil, abi.ErrSymbol},
		{"Version", &abi.Table{Version: abi.Version + 1}, abi.ErrVersion},
		{"NoName", &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{
			{Kinds: abi.KindParallel, NewWorker: noop},
		}}, abi.ErrInvalid},
		{"NoWorker", &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{
			{Name: "x", Kinds: abi.KindParallel},
		}}, abi.ErrInvalid},
		{"NoKinds", &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{
			{Name: "x", NewWorker: noop},
		}}, abi.ErrInvalid},
		{"OK", &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{
			{Name: "x", Kinds: abi.KindSerial, NewWorker: noop},
		}}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := abi.Check(tc.tab); !errors.Is(err, tc.want) {
				t.Errorf("Check: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRegisterErrors(t *testing.T) {
	tok := token.New()
	noop := abi.Stateless(func(abi.Input) abi.Output { return abi.Skip() })

	t.Run("Duplicate", func(t *testing.T) {
		reg := decoder.NewRegistry().MustRegister(decoder.Func("a", func(*decoder.Context, *layer.Layer) decoder.Status {
			return decoder.Skip()
		}))
		tab := &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{
			{Name: "b", Kinds: abi.KindParallel, NewWorker: noop},
			{Name: "a", Kinds: abi.KindParallel, NewWorker: noop},
		}}
		if err := abi.Register(reg, tab, tok, nil); !errors.Is(err, decoder.ErrDuplicate) {
			t.Errorf("Register: got %v, want %v", err, decoder.ErrDuplicate)
		}
		if n := reg.Len(); n != 1 {
			t.Errorf("Registry has %d decoders, want 1", n)
		}
	})

	t.Run("BadAttr", func(t *testing.T) {
		tab := &abi.Table{Version: abi.Version, Decoders: []abi.DecoderEntry{{
			Name: "a", Kinds: abi.KindParallel, NewWorker: noop,
			Attrs: []abi.AttrSpec{{Path: "a.f", Type: layer.KindFloat, BitLen: 16}},
		}}}
		if err := abi.Register(decoder.NewRegistry(), tab, tok, nil); err == nil {
			t.Error("Register: got nil, want error")
		}
	})

	t.Run("Init", func(t *testing.T) {
		reg := decoder.NewRegistry()
		tab := &abi.Table{
			Version:  abi.Version,
			Decoders: []abi.DecoderEntry{{Name: "a", Kinds: abi.KindParallel, NewWorker: noop}},
			Init:     func(abi.Host) error { return errors.New("no thanks") },
		}
		if err := abi.Register(reg, tab, tok, nil); err == nil || !strings.Contains(err.Error(), "no thanks") {
			t.Errorf("Register: got %v, want init error", err)
		}
		if reg.Len() != 0 {
			t.Errorf("Registry has %d decoders, want 0", reg.Len())
		}
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.so")
	if _, err := abi.Open(missing); err == nil {
		t.Error("Open missing plugin: got nil error")
	}

	reg := decoder.NewRegistry()
	names, err := abi.LoadAll(reg, []string{missing, filepath.Join(dir, "other.so")}, token.New(), nil, zerolog.Nop())
	if len(names) != 0 {
		t.Errorf("LoadAll: loaded %v, want none", names)
	}
	if err == nil || !strings.Contains(err.Error(), "missing.so") || !strings.Contains(err.Error(), "other.so") {
		t.Errorf("LoadAll: got %v, want errors for both plugins", err)
	}
}

func TestContext(t *testing.T) {
	in := map[string]layer.Value{
		"on":    layer.Bool(true),
		"mtu":   layer.Int(1500),
		"ratio": layer.Float(0.25),
		"name":  layer.Bytes([]byte("lab")),
	}
	enc, err := abi.EncodeContext(in)
	if err != nil {
		t.Fatalf("EncodeContext: unexpected error: %v", err)
	}
	enc2, err := abi.EncodeContext(in)
	if err != nil || string(enc) != string(enc2) {
		t.Errorf("EncodeContext is not deterministic: %x vs %x (%v)", enc, enc2, err)
	}
	out, err := abi.DecodeContext(enc)
	if err != nil {
		t.Fatalf("DecodeContext: unexpected error: %v", err)
	}
	s := abi.Settings(out)
	if !s.Bool("on", false) || s.Int("mtu", 0) != 1500 || s.Float("ratio", 0) != 0.25 || s.String("name", "") != "lab" {
		t.Errorf("Settings: got %v", out)
	}
	if s.Int("on", 7) != 7 || s.String("absent", "dflt") != "dflt" {
		t.Error("Settings did not fall back to defaults")
	}

	if m, err := abi.DecodeContext(nil); err != nil || m != nil {
		t.Errorf("DecodeContext(nil): got %v, %v; want nil, nil", m, err)
	}
	if _, err := abi.DecodeContext([]byte{0xff, 0x00}); err == nil {
		t.Error("DecodeContext of garbage: got nil error")
	}

	// A worker whose settings cannot be decoded fails every layer.
	w := abi.Configure(func(uint8, abi.Settings) (abi.WorkerFunc, error) {
		t.Error("Constructor called with bad settings")
		return nil, nil
	})(abi.KindParallel, []byte{0xff, 0x00})
	if out := w(abi.Input{}); out.Status != abi.StatusFatal || !strings.Contains(out.Error, "decode context") {
		t.Errorf("Worker output: got %+v, want fatal", out)
	}
}

func TestDerivedChildren(t *testing.T) {
	tok := token.New()
	shared := []byte("plugin memory")
	tab := &abi.Table{
		Version: abi.Version,
		Name:    "derive",
		Decoders: []abi.DecoderEntry{{
			Name:  "echo",
			Kinds: abi.KindParallel,
			NewWorker: abi.Stateless(func(in abi.Input) abi.Output {
				switch string(in.Data) {
				case "copy":
					return abi.Output{Status: abi.StatusDone, Children: []abi.ChildOut{{Layer: "copied", Data: shared}}}
				case "loop":
					return abi.Output{Status: abi.StatusDone, Children: []abi.ChildOut{{Layer: in.Layer, Data: in.Data}}}
				}
				return abi.Skip()
			}),
		}},
	}
	reg := decoder.NewRegistry()
	if err := abi.Register(reg, tab, tok, nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	d := decoder.New(reg, &decoder.Options{Tokens: tok})

	t.Run("Copied", func(t *testing.T) {
		f, err := d.Decode(context.Background(), 0, []byte("copy"))
		if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if f.Len() != 2 {
			t.Fatalf("Frame has %d layers, want 2", f.Len())
		}
		copy(shared, "XXXXXX")
		if got := string(f.Layers[1].Data()); got != "plugin memory" {
			t.Errorf("Derived data: got %q, want it unaffected by the plugin", got)
		}
	})

	t.Run("Loop", func(t *testing.T) {
		f, err := d.Decode(context.Background(), 1, []byte("loop"))
		if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if f.Len() != 1 {
			t.Errorf("Frame has %d layers, want 1", f.Len())
		}
		errs := f.Errors(0)
		if len(errs) != 1 || !strings.Contains(errs[0].Text, decoder.ErrLoop.Error()) {
			t.Errorf("Errors: got %v, want one %v", errs, decoder.ErrLoop)
		}
	})
}
