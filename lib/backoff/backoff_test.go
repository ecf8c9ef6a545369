// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"

	"github.com/pulselive/realtime/lib/clock"
)

func TestPolicyDelayDoublesUpToCap(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 30 * time.Second}
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := policy.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestPolicyDelayLargeAttemptStaysAtCap(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: time.Minute}
	if got := policy.Delay(200); got != time.Minute {
		t.Errorf("Delay(200) = %v, want cap %v", got, time.Minute)
	}
}

// TestScheduleBackoffSequence drives three consecutive failures and
// verifies the retry delays are 1s, 2s, 4s, and that a fourth failure
// arms nothing.
func TestScheduleBackoffSequence(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	scheduler := NewScheduler(Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}, fake)

	fires := 0
	fn := func() { fires++ }

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		if !scheduler.Schedule(fn) {
			t.Fatalf("Schedule for attempt %d refused", i)
		}
		// Advancing just short of the deadline must not fire.
		fake.Advance(delay - time.Millisecond)
		if fires != i {
			t.Fatalf("retry %d fired early", i)
		}
		fake.Advance(time.Millisecond)
		if fires != i+1 {
			t.Fatalf("retry %d did not fire at %v", i, delay)
		}
	}

	if scheduler.Schedule(fn) {
		t.Error("fourth Schedule succeeded; budget should be exhausted")
	}
	if !scheduler.Exhausted() {
		t.Error("Exhausted() = false after budget spent")
	}
}

func TestScheduleCoalescesConcurrentFailures(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	scheduler := NewScheduler(Policy{Base: time.Second, MaxAttempts: 5}, fake)

	fires := 0
	if !scheduler.Schedule(func() { fires++ }) {
		t.Fatal("first Schedule refused")
	}
	// Second failure report while the first timer is outstanding.
	if scheduler.Schedule(func() { fires++ }) {
		t.Fatal("second Schedule armed a second timer")
	}

	fake.Advance(time.Second)
	if fires != 1 {
		t.Errorf("fires = %d, want 1 (coalesced)", fires)
	}
	if got := scheduler.Attempt(); got != 1 {
		t.Errorf("Attempt() = %d, want 1", got)
	}
}

func TestResetRestoresBudget(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	scheduler := NewScheduler(Policy{Base: time.Second, MaxAttempts: 1}, fake)

	if !scheduler.Schedule(func() {}) {
		t.Fatal("first Schedule refused")
	}
	fake.Advance(time.Second)
	if scheduler.Schedule(func() {}) {
		t.Fatal("Schedule succeeded past budget")
	}

	scheduler.Reset()
	if scheduler.Exhausted() {
		t.Error("Exhausted() = true immediately after Reset")
	}
	if !scheduler.Schedule(func() {}) {
		t.Error("Schedule refused after Reset")
	}
	// Delay starts over from Base after a reset.
	if got := scheduler.Attempt(); got != 1 {
		t.Errorf("Attempt() = %d after reset+schedule, want 1", got)
	}
}

func TestStopCancelsOutstandingTimer(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	scheduler := NewScheduler(Policy{Base: time.Second, MaxAttempts: 3}, fake)

	fired := false
	scheduler.Schedule(func() { fired = true })
	scheduler.Stop()

	fake.Advance(time.Minute)
	if fired {
		t.Error("retry fired after Stop")
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	policy := Policy{Base: 10 * time.Second, Cap: time.Minute, MaxAttempts: 3, Jitter: 0.2}
	scheduler := NewScheduler(policy, clock.Fake(time.Unix(0, 0)))

	// Exercise the jitter arithmetic across the rng range.
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		scheduler.rng = func() float64 { return r }
		got := scheduler.jittered(10 * time.Second)
		if got < 8*time.Second || got > 12*time.Second {
			t.Errorf("jittered(10s) with rng=%v = %v, outside ±20%%", r, got)
		}
	}
}
