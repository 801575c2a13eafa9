// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package decoder

import "expvar"

// dispatchMetrics record decoding activity counters.
var dispatchMetrics = newMetrics()

type metrics struct {
	framesDecoded expvar.Int // frames through the parallel phase
	layersDecoded expvar.Int // layers claimed by a decoder
	layersSkipped expvar.Int // layers no decoder claimed
	decodeErrors  expvar.Int // layers with a fatal decode error
	decodePanics  expvar.Int // workers that panicked

	emap *expvar.Map
}

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("frames_decoded", &m.framesDecoded)
	m.emap.Set("layers_decoded", &m.layersDecoded)
	m.emap.Set("layers_skipped", &m.layersSkipped)
	m.emap.Set("decode_errors", &m.decodeErrors)
	m.emap.Set("decode_panics", &m.decodePanics)
	return m
}

// Metrics returns the metrics map shared by all dispatchers. It is safe for
// the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return dispatchMetrics.emap }
