// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "sync/atomic"

// Metrics counts engine activity. All fields are written with atomics
// so hot paths never contend on a lock for bookkeeping.
type Metrics struct {
	submitted     atomic.Uint64
	confirmed     atomic.Uint64
	rolledBack    atomic.Uint64
	provisional   atomic.Uint64
	rateLimited   atomic.Uint64
	queuedOffline atomic.Uint64
	replayed      atomic.Uint64
	reconciled    atomic.Uint64
	reconnects    atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters, suitable
// for a status surface.
type MetricsSnapshot struct {
	Submitted     uint64
	Confirmed     uint64
	RolledBack    uint64
	Provisional   uint64
	RateLimited   uint64
	QueuedOffline uint64
	Replayed      uint64
	Reconciled    uint64
	Reconnects    uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Submitted:     m.submitted.Load(),
		Confirmed:     m.confirmed.Load(),
		RolledBack:    m.rolledBack.Load(),
		Provisional:   m.provisional.Load(),
		RateLimited:   m.rateLimited.Load(),
		QueuedOffline: m.queuedOffline.Load(),
		Replayed:      m.replayed.Load(),
		Reconciled:    m.reconciled.Load(),
		Reconnects:    m.reconnects.Load(),
	}
}
