// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"
	"time"
)

func TestSweepDropsStaleProvisionalEntries(t *testing.T) {
	l := newLedger()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fresh := &PendingMutation{
		IdempotencyKey: "K1",
		State:          MutationProvisional,
		SubmittedAt:    now.Add(-time.Minute),
		done:           make(chan struct{}),
	}
	stale := &PendingMutation{
		IdempotencyKey: "K2",
		State:          MutationProvisional,
		SubmittedAt:    now.Add(-2 * provisionalRetention),
		done:           make(chan struct{}),
	}
	applied := &PendingMutation{
		IdempotencyKey: "K3",
		State:          MutationApplied,
		SubmittedAt:    now.Add(-2 * provisionalRetention),
		done:           make(chan struct{}),
	}
	l.add(fresh)
	l.add(stale)
	l.add(applied)

	l.sweepProvisional(now)

	if _, ok := l.get("K2"); ok {
		t.Error("stale provisional entry survived the sweep")
	}
	if _, ok := l.get("K1"); !ok {
		t.Error("fresh provisional entry was swept")
	}
	if _, ok := l.get("K3"); !ok {
		t.Error("applied entry was swept; only provisional entries age out")
	}
	keys := l.pendingKeys()
	if len(keys) != 2 || keys[0] != "K1" || keys[1] != "K3" {
		t.Errorf("pending keys after sweep = %v, want [K1 K3]", keys)
	}
}
