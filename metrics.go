// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dissect

import (
	"expvar"

	"github.com/creachadair/dissect/decoder"
)

// sessionMetrics record session activity counters.
var sessionMetrics = newSessionMetrics()

type metrics struct {
	framesRead     expvar.Int // payloads received from readers
	framesStored   expvar.Int // frames appended to stores
	framesDropped  expvar.Int // frames discarded by a forced stop or a failure
	reorderPending expvar.Int // frames decoded but waiting for an earlier frame
	runsActive     expvar.Int // sessions currently running

	emap *expvar.Map
}

func newSessionMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("frames_read", &m.framesRead)
	m.emap.Set("frames_stored", &m.framesStored)
	m.emap.Set("frames_dropped", &m.framesDropped)
	m.emap.Set("reorder_pending", &m.reorderPending)
	m.emap.Set("runs_active", &m.runsActive)
	m.emap.Set("decoder", decoder.Metrics())
	return m
}
