package main

import (
	"context"
	"testing"

	"github.com/creachadair/dissect/decoder"
	"github.com/creachadair/dissect/internal/enginetest"
	"github.com/creachadair/dissect/token"
	"github.com/google/go-cmp/cmp"
)

func TestFormatData(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want string
	}{
		{"", nil, ""},
		{"r", []string{"abc"}, "abc"},
		{"p", []string{"hi"}, "\x02hi"},
		{"q", []string{`a\tb`}, "a\tb"},
		{"x", []string{"0a0B"}, "\x0a\x0b"},
		{"s", []string{"xyz"}, "\x0cxyz"},
		{"% %", []string{"true", "false"}, "\x01\x00"},
		{"v", []string{"3"}, "\x0c"},
		{"1 2 4", []string{"1", "0x0800", "2"}, "\x01\x08\x00\x00\x00\x00\x02"},
		{"< 2 > 2", []string{"1", "1"}, "\x01\x00\x00\x01"},
		{"@(r r)", []string{"ab", "c"}, "\x00\x03abc"},
		{"?(r (r))", []string{"a", "b"}, "\x18a\x00\x00\x00\x01b"},
	}
	for _, tc := range tests {
		enc, rest, err := formatData(tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if len(rest) != 0 {
			t.Errorf("formatData(%q, %q): extra arguments %q", tc.pat, tc.args, rest)
		}
		if got := string(enc.Encode(nil)); got != tc.want {
			t.Errorf("formatData(%q, %q): got %q, want %q", tc.pat, tc.args, got, tc.want)
		}
	}

	for _, bad := range []struct {
		pat  string
		args []string
	}{
		{"r", nil},
		{"z", []string{"a"}},
		{"(r", []string{"a"}},
		{"1", []string{"300"}},
		{"x", []string{"xyz"}},
		{"%", []string{"maybe"}},
	} {
		if _, _, err := formatData(bad.pat, bad.args); err == nil {
			t.Errorf("formatData(%q, %q): got nil error", bad.pat, bad.args)
		}
	}
}

func TestSplitPackets(t *testing.T) {
	got := splitPackets("r;(r;r) r; ")
	if diff := cmp.Diff(got, []string{"r", "(r;r) r", " "}); diff != "" {
		t.Errorf("splitPackets (-got, +want):\n%s", diff)
	}
}

func TestLayerPath(t *testing.T) {
	tok := token.New()
	reg := decoder.NewRegistry().
		MustRegister(enginetest.Eth(tok)).
		MustRegister(enginetest.IPv4(tok, 2))
	d := decoder.New(reg, &decoder.Options{Tokens: tok})
	f, err := d.Decode(context.Background(), 0, enginetest.EthFrame(0x0800, []byte{1, 'a', 'b', 'c'}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := layerPath(f, tok.Resolve), "frame > ipv4 > chunk, chunk"; got != want {
		t.Errorf("layerPath: got %q, want %q", got, want)
	}
	if got, want := summarize(f.Index, 18, "p", nil), "     0    18  p"; got != want {
		t.Errorf("summarize: got %q, want %q", got, want)
	}
}
