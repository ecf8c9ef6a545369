// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport owns the persistent bidirectional channel between
// the sync engine and the platform's realtime gateway.
//
// The channel is a WebSocket carrying JSON envelopes. The [Manager]
// dials it with an opaque bearer credential, runs the read pump and
// heartbeat, and drives the connection-level state machine:
//
//	Disconnected → Connecting → Connected → Joining → Joined
//
// Any transport error from Connected or Joined returns the manager to
// Connecting and arms the retry scheduler; once the retry budget is
// exhausted the manager parks in Disconnected with ManualRetryRequired
// set, and stays there until [Manager.RetryNow].
//
// Request/acknowledgment pairs (join, mutate) go through
// [Manager.Request], which unifies "ack arrived" and "deadline
// elapsed" into a single resolution point. Unsolicited server pushes
// arrive on [Manager.Inbound] in arrival order; state transitions on
// [Manager.Statuses].
//
// Teardown discipline: [Manager.Close] cancels the pumps, closes the
// socket, and stops any armed retry timer. A manager never delivers
// an envelope or a status after Close returns; leaking either is how
// remounted consumers end up with duplicate handlers.
package transport
