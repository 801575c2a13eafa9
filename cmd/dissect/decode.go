package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/dissect"
	"github.com/creachadair/dissect/abi"
	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/export"
	"github.com/creachadair/dissect/filter"
	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/source"
	"github.com/creachadair/dissect/token"
)

var decodeFlags struct {
	Config  string `flag:"config,Configuration file (TOML)"`
	Plugins string `flag:"plugins,Comma-separated paths of decoder plugins to load"`
	Workers int    `flag:"workers,Number of concurrent decodes (0 uses the configured value)"`
	Output  string `flag:"o,Export frames to this file"`
	Zstd    bool   `flag:"zstd,Compress the exported stream with zstd"`
	Filter  string `flag:"filter,Print only frames matching this filter"`
	Quiet   bool   `flag:"q,Do not print frame summaries"`
}

func runDecode(env *command.Env) (err error) {
	if len(env.Args) == 0 {
		return env.Usagef("Missing capture file")
	}
	cfg := dissect.DefaultConfig()
	if decodeFlags.Config != "" {
		cfg, err = dissect.LoadConfig(decodeFlags.Config)
		if err != nil {
			return err
		}
	}
	if decodeFlags.Workers > 0 {
		cfg.Workers = decodeFlags.Workers
	}
	for p := range strings.SplitSeq(decodeFlags.Plugins, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Plugins = append(cfg.Plugins, p)
		}
	}
	log := cfg.NewLogger(os.Stderr, "dissect")
	cfg.Logger = &log
	cfg.Tokens = token.New()

	pred, err := filter.Compile(decodeFlags.Filter, cfg.Tokens)
	if err != nil {
		return err
	}

	reg := decoder.NewRegistry()
	names, lerr := abi.LoadAll(reg, cfg.Plugins, cfg.Tokens, cfg.Decoders, log)
	if lerr != nil {
		log.Warn().Int("skipped", len(cfg.Plugins)-len(names)).Msg("some plugins were not loaded")
	}
	log.Info().Strs("plugins", names).Strs("decoders", reg.Names()).Msg("decoders ready")

	s := dissect.New(reg, cfg)
	closeOut := func() error { return nil }
	defer func() { err = errors.Join(err, s.Close(), closeOut()) }()

	if decodeFlags.Output != "" {
		w, cf, err := openExport(decodeFlags.Output, cfg.Tokens)
		if err != nil {
			return err
		}
		s.AddWriter(w)
		closeOut = cf
	}

	for _, path := range env.Args {
		r, err := source.Open(path)
		if err != nil {
			return err
		}
		if err := s.Start(r); err != nil {
			r.Close()
			return err
		}
		werr := s.Wait()
		r.Close()
		if werr != nil {
			return fmt.Errorf("decode %q: %w", path, werr)
		}
		log.Info().Str("path", path).Int("records", r.Count()).Int("frames", s.Store().Len()).Msg("decoded capture")
	}

	if !decodeFlags.Quiet {
		tok := cfg.Tokens
		for _, f := range s.Select(pred) {
			fmt.Println(summarize(f.Index, len(f.Raw()), layerPath(f, tok.Resolve), s.Store().Metadata(f.Index)))
		}
	}
	return nil
}

// openExport opens a writer for the export file at path. The returned close
// function must be called after the session has ended the writer.
func openExport(path string, tokens *token.Registry) (dissect.Writer, func() error, error) {
	if strings.HasSuffix(path, ".db") {
		w, err := export.NewBolt(path, tokens)
		if err != nil {
			return nil, nil, err
		}
		return w, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w, err := export.NewStream(f, tokens, &export.StreamOptions{Compress: decodeFlags.Zstd})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f.Close, nil
}

// layerPath renders the layers of f in pre-order, with each layer's depth
// shown by nesting.
func layerPath(f *frame.Frame, name func(token.Token) string) string {
	var sb strings.Builder
	prev := -1
	for i, l := range f.Layers {
		d := f.Pos[i].Depth
		switch {
		case i == 0:
		case d > prev:
			sb.WriteString(" > ")
		default:
			sb.WriteString(", ")
		}
		sb.WriteString(name(l.ID))
		prev = d
	}
	return sb.String()
}

func summarize(index uint64, size int, path string, meta []frame.Metadata) string {
	line := fmt.Sprintf("%6d %5d  %s", index, size, path)
	for _, m := range meta {
		switch m.Kind {
		case frame.Error:
			line += fmt.Sprintf("  [error: %s]", m.Text)
		case frame.Linkage:
			line += fmt.Sprintf("  [links: %v]", m.Links)
		}
	}
	return line
}

func readExport(path string) (*export.Capture, error) {
	if strings.HasSuffix(path, ".db") {
		return export.ReadBolt(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return export.ReadStream(f)
}

func runShow(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected one export file")
	}
	c, err := readExport(env.Args[0])
	if err != nil {
		return err
	}
	name := func(t token.Token) string {
		if s := c.Name(t); s != "" {
			return s
		}
		return fmt.Sprintf("#%d", t)
	}
	for _, rec := range c.Records {
		var sb strings.Builder
		for i, l := range rec.Layers {
			if i != 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s%v", name(l.ID), layerAttrs(l, name))
		}
		var meta []frame.Metadata
		for _, m := range rec.Meta {
			meta = append(meta, frame.Metadata{Kind: m.Kind, Links: m.Links, Text: m.Text})
		}
		fmt.Println(summarize(rec.Index, len(rec.Raw), sb.String(), meta))
	}
	return nil
}

func layerAttrs(l export.LayerRecord, name func(token.Token) string) []string {
	var out []string
	for _, a := range l.Attrs {
		if a.Error != "" {
			out = append(out, name(a.ID)+"=?")
		} else {
			out = append(out, name(a.ID)+"="+a.Value.String())
		}
	}
	return out
}

func runTokens(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected one export file")
	}
	c, err := readExport(env.Args[0])
	if err != nil {
		return err
	}
	if c.Tokens == nil {
		return errors.New("export has no token table")
	}
	ids := make([]token.Token, 0, len(c.Tokens))
	for t := range c.Tokens {
		ids = append(ids, t)
	}
	slices.Sort(ids)
	return printTokens(os.Stdout, ids, c.Tokens)
}

func printTokens(w io.Writer, ids []token.Token, names map[token.Token]string) error {
	for _, t := range ids {
		if _, err := fmt.Fprintf(w, "%6d  %s\n", t, names[t]); err != nil {
			return err
		}
	}
	return nil
}
