// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package abi

import "github.com/creachadair/dissect/layer"

// Settings are the decoder settings decoded from a worker context.
// Lookups of missing keys, or of values of the wrong kind, yield the default.
type Settings map[string]layer.Value

// Bool returns the Boolean setting for key, or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].AsBool(); ok {
		return v
	}
	return def
}

// Int returns the integer setting for key, or def.
func (s Settings) Int(key string, def int64) int64 {
	if v, ok := s[key].AsInt(); ok {
		return v
	}
	return def
}

// Float returns the floating-point setting for key, or def.
func (s Settings) Float(key string, def float64) float64 {
	if v, ok := s[key].AsFloat(); ok {
		return v
	}
	return def
}

// String returns the string setting for key, or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].AsBytes(); ok {
		return string(v)
	}
	return def
}

// Stateless adapts f to a worker constructor that ignores its arguments and
// returns f for every kind.
func Stateless(f WorkerFunc) func(uint8, []byte) WorkerFunc {
	return func(uint8, []byte) WorkerFunc { return f }
}

// Configure adapts f, which takes decoded settings, to a worker constructor.
// If the settings cannot be decoded, or f reports an error, the constructed
// worker fails every layer with that error.
func Configure(f func(kind uint8, s Settings) (WorkerFunc, error)) func(uint8, []byte) WorkerFunc {
	return func(kind uint8, ctx []byte) WorkerFunc {
		m, err := DecodeContext(ctx)
		if err != nil {
			return failing(err)
		}
		w, err := f(kind, Settings(m))
		if err != nil {
			return failing(err)
		}
		return w
	}
}

func failing(err error) WorkerFunc {
	return func(Input) Output { return Fatalf("%v", err) }
}
