package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/dissect/packet"
	"github.com/klauspost/compress/zstd"
)

var packFlags struct {
	Output string `flag:"o,Write output to this file instead of stdout"`
	Append bool   `flag:"append,Append to the output file instead of replacing it"`
	Raw    bool   `flag:"raw,Write bare packets without record framing"`
	Zstd   bool   `flag:"zstd,Compress the output with zstd"`
}

const packHelp = `Pack arguments into binary packets and write them as capture records.

The pattern specifies the sequence of values to concatenate into a packet.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  x  : a hexadecimal string, decoded and encoded without framing
  s  : a string encoded with a vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a length prefix
prepended. By default, the length prefix is a uint32, but the following
symbols modify the length encoding for future subpatterns:

  @  : encode length as a uint16 (2 bytes)
  $  : encode length as a uint32 (4 bytes, the default)
  *  : encode length as a uint64 (8 bytes)
  ?  : encode length as a vint30

Subpatterns may be nested. At the top level, a ";" ends one packet and begins
the next, so that one invocation can write several records.

Each packet is written as a capture record (a vint30 length followed by the
packet). With --raw, packets are written back to back without framing.
`

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing format argument")
	}
	var packets []packet.Slice
	args := env.Args[1:]
	for _, pat := range splitPackets(env.Args[0]) {
		enc, rest, err := formatData(pat, args)
		if err != nil {
			return err
		}
		packets = append(packets, enc)
		args = rest
	}
	if len(args) != 0 {
		return fmt.Errorf("extra arguments: %q", args)
	}

	var out io.Writer = os.Stdout
	if packFlags.Output != "" {
		mode := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if packFlags.Append {
			mode = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(packFlags.Output, mode, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	var zw *zstd.Encoder
	if packFlags.Zstd {
		var err error
		zw, err = zstd.NewWriter(out)
		if err != nil {
			return err
		}
		out = zw
	}

	rw := packet.NewRecordWriter(out)
	for _, p := range packets {
		data := p.Encode(nil)
		var err error
		if packFlags.Raw {
			_, err = out.Write(data)
		} else {
			err = rw.Write(data)
		}
		if err != nil {
			return err
		}
	}
	err := rw.Flush()
	if zw != nil {
		err = errors.Join(err, zw.Close())
	}
	return err
}

// splitPackets splits pat at top-level semicolons.
func splitPackets(pat string) []string {
	var out []string
	var depth, start int
	for i, c := range pat {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ';':
			if depth == 0 {
				out = append(out, pat[start:i])
				start = i + 1
			}
		}
	}
	return append(out, pat[start:])
}

func formatData(pat string, args []string) (packet.Slice, []string, error) {
	size := byte('$')
	var byteOrder binary.AppendByteOrder = binary.BigEndian
	packSize := func(n int) packet.Encoder {
		switch size {
		case '?':
			return packet.Vint30(n)
		case '@':
			return packet.Raw(byteOrder.AppendUint16(nil, uint16(n)))
		case '$':
			return packet.Raw(byteOrder.AppendUint32(nil, uint32(n)))
		case '*':
			return packet.Raw(byteOrder.AppendUint64(nil, uint64(n)))
		default:
			panic("invalid size type: " + string(size))
		}
	}
	var enc packet.Slice
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'p', 'q', 'r', 'x', 's', '%', 'v', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '@', '$', '*', '?':
			size = c
			continue
		case '<':
			byteOrder = binary.LittleEndian
			continue
		case '>':
			byteOrder = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			enc = append(enc, packSize(sd.EncodedLen()), sd)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		e, err := formatArg(c, args[0], byteOrder)
		if err != nil {
			return nil, nil, err
		}
		enc = append(enc, e)
		args = args[1:]
	}
	return enc, args, nil
}

func formatArg(c byte, arg string, byteOrder binary.AppendByteOrder) (packet.Encoder, error) {
	switch c {
	case 'p':
		if len(arg) > 255 {
			return nil, fmt.Errorf("length %d > 255 too long for p", len(arg))
		}
		return packet.Slice{packet.Raw{byte(len(arg))}, packet.Literal(arg)}, nil
	case 'q':
		dec, err := strconv.Unquote(`"` + arg + `"`)
		if err != nil {
			return nil, fmt.Errorf("invalid string: %w", err)
		}
		return packet.Literal(dec), nil
	case 'r':
		return packet.Literal(arg), nil
	case 'x':
		dec, err := hex.DecodeString(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return packet.Raw(dec), nil
	case 's':
		return packet.Bytes(arg), nil
	case '%':
		v, err := strconv.ParseBool(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid bool: %w", err)
		}
		return packet.Bool(v), nil
	case 'v':
		v, err := strconv.ParseUint(arg, 10, 30)
		if err != nil {
			return nil, fmt.Errorf("invalid vint30: %w", err)
		}
		return packet.Vint30(v), nil
	case '1':
		v, err := strconv.ParseUint(arg, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte: %w", err)
		}
		return packet.Raw{byte(v)}, nil
	case '2':
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid uint16: %w", err)
		}
		return packet.Raw(byteOrder.AppendUint16(nil, uint16(v))), nil
	case '4':
		v, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid uint32: %w", err)
		}
		return packet.Raw(byteOrder.AppendUint32(nil, uint32(v))), nil
	case '8':
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid uint64: %w", err)
		}
		return packet.Raw(byteOrder.AppendUint64(nil, v)), nil
	default:
		panic("invalid code: " + string(c))
	}
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
