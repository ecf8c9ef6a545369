// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the optimistic synchronization core. It composes
// the transport, the offline cache, and the rate limiter into a single
// Engine that UI code drives with imperative calls (Join, Submit) and
// observes through store watches and status updates.
//
// All state lives in a serialized Store: optimistic apply, rollback,
// and authoritative reconciliation each run as one store transaction,
// so no two code paths ever interleave mid-mutation on the same
// entity. Inbound push events are consumed by the Reconciler, which is
// the single writer for authoritative state; outbound mutations go
// through the Coordinator, which tags them with idempotency keys,
// applies the predicted result immediately, and resolves each one at a
// single point where the acknowledgment and the timeout race.
package engine
