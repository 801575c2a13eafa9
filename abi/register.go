// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package abi

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/rs/zerolog"
)

// NewHost returns a Host backed by tokens.
func NewHost(tokens *token.Registry) Host {
	return Host{
		Intern:  func(s string) uint32 { return uint32(tokens.Intern(s)) },
		Resolve: func(t uint32) string { return tokens.Resolve(token.Token(t)) },
	}
}

// Register checks tab, calls its Init function, and adds its decoders to reg.
// Attribute and layer names are interned in tokens.
//
// Workers receive ctx, encoded with EncodeContext. If ctx is nil, they receive
// the decoder settings of the dispatcher that creates them instead.
//
// Register adds no decoders if any of them is invalid or has a name already
// registered in reg.
func Register(reg *decoder.Registry, tab *Table, tokens *token.Registry, ctx map[string]layer.Value) error {
	if err := Check(tab); err != nil {
		return err
	}
	var enc []byte
	if ctx != nil {
		var err error
		enc, err = EncodeContext(ctx)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", tab.Name, err)
		}
	}

	var decs []*tableDecoder
	var ons [][]token.Token
	seen := make(map[string]bool)
	for _, e := range tab.Decoders {
		if seen[e.Name] || reg.Has(e.Name) {
			return fmt.Errorf("plugin %q decoder %q: %w", tab.Name, e.Name, decoder.ErrDuplicate)
		}
		seen[e.Name] = true

		d := &tableDecoder{entry: e, ctx: enc}
		for i, a := range e.Attrs {
			c := &layer.AttrClass{
				ID:        tokens.Intern(a.Path),
				Type:      a.Type,
				Path:      a.Path,
				Name:      a.Name,
				Desc:      a.Desc,
				BitOffset: a.BitOffset,
				BitLen:    a.BitLen,
			}
			for _, alias := range a.Aliases {
				c.Aliases = append(c.Aliases, tokens.Intern(alias))
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("plugin %q decoder %q attr %d: %w", tab.Name, e.Name, i, err)
			}
			d.classes = append(d.classes, c)
		}
		var on []token.Token
		for _, name := range e.Layers {
			on = append(on, tokens.Intern(name))
		}
		decs = append(decs, d)
		ons = append(ons, on)
	}

	if tab.Init != nil {
		if err := tab.Init(NewHost(tokens)); err != nil {
			return fmt.Errorf("plugin %q init: %w", tab.Name, err)
		}
	}
	for i, d := range decs {
		if err := reg.Register(d, ons[i]...); err != nil {
			return fmt.Errorf("plugin %q: %w", tab.Name, err)
		}
	}
	return nil
}

// LoadAll opens each of the plugins at paths and registers its decoders in
// reg. A plugin that cannot be loaded or registered is logged and skipped;
// the rest are still registered. LoadAll returns the names of the plugins it
// registered, and the errors for those it skipped.
func LoadAll(reg *decoder.Registry, paths []string, tokens *token.Registry, ctx map[string]layer.Value, log zerolog.Logger) ([]string, error) {
	var names []string
	var errs []error
	for _, path := range paths {
		tab, err := Open(path)
		if err == nil {
			err = Register(reg, tab, tokens, ctx)
		}
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("skipping plugin")
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		log.Debug().Str("path", path).Str("plugin", tab.Name).Int("decoders", len(tab.Decoders)).Msg("loaded plugin")
		names = append(names, tab.Name)
	}
	return names, errors.Join(errs...)
}

// tableDecoder adapts a DecoderEntry to the decoder.Decoder interface.
type tableDecoder struct {
	entry   DecoderEntry
	classes []*layer.AttrClass
	ctx     []byte // nil to use the dispatcher settings

	once   sync.Once
	envCtx []byte
}

func (d *tableDecoder) Name() string { return d.entry.Name }

func (d *tableDecoder) NewWorker(kind decoder.Kind, env *decoder.Env) decoder.Worker {
	var bit uint8
	switch kind {
	case decoder.Parallel:
		bit = KindParallel
	case decoder.Serial:
		bit = KindSerial
	}
	if d.entry.Kinds&bit == 0 {
		return nil
	}
	ctx := d.ctx
	if ctx == nil {
		d.once.Do(func() {
			enc, err := EncodeContext(env.Config)
			if err != nil {
				env.Log.Error().Str("decoder", d.entry.Name).Err(err).Msg("encode decoder settings")
			}
			d.envCtx = enc
		})
		ctx = d.envCtx
	}
	f := d.entry.NewWorker(bit, ctx)
	if f == nil {
		return nil
	}
	return &tableWorker{dec: d, run: f}
}

// tableWorker converts between the layer model and the plain data of the
// plugin boundary.
type tableWorker struct {
	dec *tableDecoder
	run WorkerFunc
}

func (w *tableWorker) Analyze(ctx *decoder.Context, l *layer.Layer) decoder.Status {
	out := w.run(Input{
		Frame:   ctx.Frame(),
		Layer:   ctx.Tokens.Resolve(l.ID),
		Data:    bytes.Clone(l.Data()),
		Derived: l.Derived(),
	})
	switch out.Status {
	case StatusSkip:
		return decoder.Skip()
	case StatusFatal:
		return decoder.Fatal(errors.New(out.Error))
	case StatusDone:
	default:
		return decoder.Fatal(fmt.Errorf("invalid status %d", out.Status))
	}

	if err := l.SetHeader(out.Header); err != nil {
		return decoder.Fatal(err)
	}
	if err := l.SetTrailer(out.Trailer); err != nil {
		return decoder.Fatal(err)
	}
	for _, a := range out.Attrs {
		if a.Spec < 0 || a.Spec >= len(w.dec.classes) {
			return decoder.Fatal(fmt.Errorf("attribute spec %d out of range", a.Spec))
		}
		c := w.dec.classes[a.Spec]
		var err error
		if a.Value.IsNil() {
			err = l.AddAttr(c, a.Shift)
		} else {
			err = l.SetValue(c, a.Value)
		}
		if err != nil {
			return decoder.Fatal(err)
		}
	}

	children := make([]*layer.Layer, 0, len(out.Children))
	for _, c := range out.Children {
		id := ctx.Intern(c.Layer)
		var child *layer.Layer
		if c.Data != nil {
			child = layer.Synthetic(id, bytes.Clone(c.Data))
		} else {
			var err error
			child, err = l.Child(id, c.Offset, c.Len)
			if err != nil {
				return decoder.Fatal(err)
			}
		}
		if c.Defer {
			child.Defer()
		}
		children = append(children, child)
	}
	ctx.Link(out.Links...)

	conf := out.Confidence
	if conf == 0 {
		conf = layer.Exact
	}
	return decoder.DoneWith(conf, children...)
}
