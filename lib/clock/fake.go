// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at start. Time moves only when
// Advance is called.
//
// FakeClock is safe for concurrent use.
func Fake(start time.Time) *FakeClock {
	f := &FakeClock{now: start}
	f.armed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests. Timers and tickers
// fire only when Advance moves the clock past their deadline, in
// deadline order. AfterFunc callbacks run synchronously inside
// Advance; they must not call Advance themselves.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	timers []*fakeTimer
	armed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	period   time.Duration  // non-zero for tickers; rescheduled after firing
	ch       chan time.Time // nil for AfterFunc timers
	fn       func()         // nil for channel timers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when the clock advances past
// now+d. A non-positive d fires immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{deadline: f.now.Add(d), ch: ch})
	f.armed.Broadcast()
	return ch
}

// AfterFunc schedules fn to run when the clock advances past now+d.
// A non-positive d runs fn synchronously before returning.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()

	if d <= 0 {
		f.mu.Unlock()
		fn()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	timer := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, timer)
	f.armed.Broadcast()
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if timer.stopped || timer.fired {
				return false
			}
			timer.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !timer.stopped && !timer.fired
			timer.stopped = false
			timer.fired = false
			timer.deadline = f.now.Add(d)
			if !active {
				f.timers = append(f.timers, timer)
				f.armed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a ticker firing every d fake-time units. Panics
// if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	timer := &fakeTimer{deadline: f.now.Add(d), period: d, ch: ch}
	f.timers = append(f.timers, timer)
	f.armed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.stopped = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.period = d
			timer.deadline = f.now.Add(d)
			timer.stopped = false
		},
	}
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline falls within the new time, in deadline order. Channel
// sends are non-blocking (a full buffer drops the tick, matching
// time.Ticker). AfterFunc callbacks run in the calling goroutine.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, timer := range due {
			if timer.fn != nil {
				timer.fn()
				continue
			}
			select {
			case timer.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes and returns all timers due at or before target.
// Tickers are rescheduled one period forward instead of removed.
func (f *FakeClock) takeDue(target time.Time) []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*fakeTimer
	for _, timer := range f.timers {
		if timer.stopped {
			continue
		}
		if timer.deadline.After(target) {
			keep = append(keep, timer)
			continue
		}
		due = append(due, timer)
	}
	for _, timer := range due {
		if timer.period > 0 {
			timer.deadline = timer.deadline.Add(timer.period)
			keep = append(keep, timer)
		} else {
			timer.fired = true
		}
	}
	f.timers = keep
	return due
}

// WaitForTimers blocks until at least n timers or tickers are armed.
// Call this before Advance when the timer is armed on another
// goroutine, so the advance cannot race ahead of the arm.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.armedLocked() < n {
		f.armed.Wait()
	}
}

// PendingCount returns the number of armed, unfired timers.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armedLocked()
}

func (f *FakeClock) armedLocked() int {
	count := 0
	for _, timer := range f.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}
