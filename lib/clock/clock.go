// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source used by every component that arms a timer
// or reads the current time. Code under this module never calls
// time.Now, time.After, time.AfterFunc, or time.NewTicker directly;
// it goes through a Clock so tests can substitute Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arms a timer that calls f after d. The returned
	// Timer's C field is nil, matching time.AfterFunc. A non-positive
	// d runs f without waiting.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot timer. For AfterFunc timers C is
// nil; the scheduled function is the delivery mechanism.
type Timer struct {
	// C delivers the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing; false means the timer already fired or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. It reports whether the
// timer was still active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers ticks on C at a fixed interval. C has capacity 1;
// ticks are dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
