// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package decoder

import "github.com/creachadair/dissect/layer"

// Func adapts a function to a Decoder that offers only parallel workers. Each
// worker calls f.
func Func(name string, f func(*Context, *layer.Layer) Status) Decoder {
	return funcDecoder{name: name, f: WorkerFunc(f)}
}

type funcDecoder struct {
	name string
	f    WorkerFunc
}

func (d funcDecoder) Name() string { return d.name }

func (d funcDecoder) NewWorker(kind Kind, _ *Env) Worker {
	if kind != Parallel {
		return nil
	}
	return d.f
}

// Stateful adapts a constructor to a Decoder that offers only serial workers.
// The dispatcher calls newWorker once, and reuses the result for every
// deferred layer it decodes.
func Stateful(name string, newWorker func(*Env) Worker) Decoder {
	return statefulDecoder{name: name, newWorker: newWorker}
}

type statefulDecoder struct {
	name      string
	newWorker func(*Env) Worker
}

func (d statefulDecoder) Name() string { return d.name }

func (d statefulDecoder) NewWorker(kind Kind, env *Env) Worker {
	if kind != Serial {
		return nil
	}
	return d.newWorker(env)
}
