// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package dissect implements a pluggable protocol-analysis engine.
//
// Raw captured packets are decoded into frames: trees of typed layers, one per
// protocol unit, annotated with typed attributes. Decoders are supplied by the
// caller, either compiled in or loaded from plugins (see package abi), and are
// chained at runtime: each layer picks its own children.
//
// # Sessions
//
// The core type defined by this package is the [Session]. A session reads raw
// payloads from a [Reader], decodes them concurrently with a dispatcher (see
// package decoder), and appends the results to a frame store (see package
// store) strictly in index order.
//
// To create a session, register decoders and call New:
//
//	reg := decoder.NewRegistry().
//	   MustRegister(eth, tok.Intern("frame")).
//	   MustRegister(ipv4, tok.Intern("ipv4"))
//	s := dissect.New(reg, dissect.DefaultConfig())
//
// To start decoding, call the Start method with a reader:
//
//	if err := s.Start(source.Slice(payloads)); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//
// The session runs until the reader reports [io.EOF] or an error, or until
// [Session.Stop] is called. Call [Session.Wait] to wait for the run to end and
// return its status:
//
//	if err := s.Wait(); err != nil {
//	   log.Fatalf("Session failed: %v", err)
//	}
//
// A stopped session may be started again with a new reader; frame indices
// continue where the previous run left off. [Session.Close] ends the session
// for good and finalizes its writers.
//
// # Events
//
// Register a callback with [Session.OnEvent] to be told when frames become
// available. Events are delivered in store order: a [FramesAvailable] event
// is delivered only once the frames it covers can be read from the store, and
// a [MetadataAdded] event for a frame follows the FramesAvailable event that
// covers it. Each run ends with a [Stopped] event.
//
// # Writers and Filters
//
// A [Writer] receives every frame stored by the session, in order; see
// package export for implementations. A [Filter] is a predicate over the
// layers of a frame; see package filter. Use [Session.Select] to iterate over
// the stored frames matching a filter, and [Session.Follow] to iterate over
// stored frames as they arrive.
//
// # Metrics
//
// Sessions maintain a collection of metrics while running. Use the
// [Session.Metrics] method to obtain an [expvar.Map] containing them. Metrics
// are shared globally among all sessions.
//
// The metrics currently exported include:
//
//   - frames_read: counter of raw payloads read
//   - frames_stored: counter of frames appended to a store
//   - frames_dropped: counter of frames discarded without being stored
//   - reorder_pending: gauge of decoded frames waiting for an earlier frame
//   - runs_active: gauge of sessions currently running
//   - decoder: the map of dispatcher metrics (see decoder.Metrics)
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package dissect
