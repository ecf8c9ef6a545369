// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case fired := <-ch:
		want := time.Unix(1005, 0)
		if !fired.Equal(want) {
			t.Errorf("fire time = %v, want %v", fired, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterFuncOrdering(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	var order []int
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callbacks fired in order %v, want [1 2 3]", order)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	called := false
	timer := fake.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Error("Stop on an armed timer returned false")
	}
	fake.Advance(2 * time.Second)
	if called {
		t.Error("stopped timer still fired")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFakeTimerReset(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := 0
	timer := fake.AfterFunc(time.Second, func() { fired++ })

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	// Reset re-arms an already-fired timer.
	if timer.Reset(time.Second) {
		t.Error("Reset on a fired timer reported it active")
	}
	fake.Advance(time.Second)
	if fired != 2 {
		t.Errorf("fired = %d after reset, want 2", fired)
	}
}

func TestFakeTickerPeriodicFiring(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
		}
	}
	if ticks != 3 {
		t.Errorf("received %d ticks, want 3", ticks)
	}

	ticker.Stop()
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Error("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeTickerDropsWhenConsumerBehind(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Two intervals elapse with nobody reading; the buffer holds one.
	fake.Advance(2 * time.Second)

	<-ticker.C
	select {
	case <-ticker.C:
		t.Error("second tick was queued; expected drop-if-full")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine never observed the timer fire")
	}
}

func TestFakePendingCount(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	if got := fake.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d on a fresh clock, want 0", got)
	}
	fake.After(time.Second)
	timer := fake.AfterFunc(2*time.Second, func() {})
	if got := fake.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}
	timer.Stop()
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d after Stop, want 1", got)
	}
}
