// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"github.com/pulselive/realtime/lib/clock"
)

// Limits configures the two gates applied to each action key.
type Limits struct {
	// PerSecond is the maximum number of actions admitted in any
	// sliding one-second window. If zero, five.
	PerSecond int

	// Burst is the maximum number of actions admitted within one
	// BurstWindow. If zero, twenty.
	Burst int

	// BurstWindow is the fixed window for the Burst gate. The counter
	// resets when the window elapses. If zero, five seconds.
	BurstWindow time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.PerSecond <= 0 {
		l.PerSecond = 5
	}
	if l.Burst <= 0 {
		l.Burst = 20
	}
	if l.BurstWindow <= 0 {
		l.BurstWindow = 5 * time.Second
	}
	return l
}

// Limiter tracks admission windows per action key. Safe for concurrent
// use.
type Limiter struct {
	limits Limits
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*window
}

// window is the per-action-key admission state. recent holds the
// timestamps of admitted actions inside the sliding second; the burst
// counter covers the fixed window starting at burstStart.
type window struct {
	recent     []time.Time
	burstCount int
	burstStart time.Time
}

// New returns a Limiter applying the same Limits to every action key.
func New(limits Limits, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		limits:  limits.withDefaults(),
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// TryAcquire admits or rejects one action for the given key. Both
// gates are checked under one lock before either is charged: a
// rejection leaves all counters untouched, so a later call inside the
// same windows sees exactly the same state.
func (l *Limiter) TryAcquire(actionKey string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[actionKey]
	if w == nil {
		w = &window{burstStart: now}
		l.windows[actionKey] = w
	}

	// Slide the one-second window: drop admissions older than 1s.
	cutoff := now.Add(-time.Second)
	keep := w.recent[:0]
	for _, ts := range w.recent {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.recent = keep

	// The burst window is fixed, not sliding: once it elapses the
	// counter starts over from the current instant.
	if now.Sub(w.burstStart) >= l.limits.BurstWindow {
		w.burstCount = 0
		w.burstStart = now
	}

	if len(w.recent) >= l.limits.PerSecond || w.burstCount >= l.limits.Burst {
		return false
	}

	w.recent = append(w.recent, now)
	w.burstCount++
	return true
}

// Reset discards all window state for the given action key.
func (l *Limiter) Reset(actionKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, actionKey)
}
