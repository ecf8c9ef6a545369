// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pulselive/realtime/lib/clock"
)

// Policy describes an exponential backoff curve: the delay before
// attempt n is min(Base << n, Cap), with optional multiplicative
// jitter.
type Policy struct {
	// Base is the delay before the first retry. If zero, one second.
	Base time.Duration

	// Cap bounds the delay growth. If zero, thirty seconds.
	Cap time.Duration

	// MaxAttempts bounds the total number of retries. If zero, three.
	MaxAttempts int

	// Jitter is the maximum fraction by which a delay is randomly
	// shifted in either direction (0.2 means ±20%). Zero disables
	// jitter. Spreads reconnection attempts from many clients that
	// lost the same server at the same instant.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Delay returns the backoff delay before retry attempt n (zero-based),
// without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift: past 62 bits the duration overflows long before
	// the cap comparison runs.
	if attempt > 32 {
		return p.Cap
	}
	delay := p.Base << uint(attempt)
	if delay > p.Cap || delay <= 0 {
		delay = p.Cap
	}
	return delay
}

// Scheduler sequences bounded retries on a Clock. All methods are safe
// for concurrent use; only one retry timer is ever outstanding.
type Scheduler struct {
	policy Policy
	clock  clock.Clock
	rng    func() float64

	mu       sync.Mutex
	attempt  int
	pending  *clock.Timer
	armed    bool
}

// NewScheduler returns a Scheduler for the given policy. A zero Policy
// gets the documented defaults.
func NewScheduler(policy Policy, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		policy: policy.withDefaults(),
		clock:  clk,
		rng:    rand.Float64,
	}
}

// Schedule arms a retry timer that calls fn after the current
// attempt's backoff delay, and consumes one attempt from the budget.
// It reports whether a timer was armed: false means either the budget
// is exhausted or a retry is already outstanding (concurrent failure
// reports coalesce into the existing timer).
//
// fn runs on the timer goroutine. It must not call Schedule
// synchronously unless it can tolerate coalescing with itself.
func (s *Scheduler) Schedule(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		return false
	}
	if s.attempt >= s.policy.MaxAttempts {
		return false
	}

	delay := s.jittered(s.policy.Delay(s.attempt))
	s.attempt++
	s.armed = true
	s.pending = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		s.armed = false
		s.pending = nil
		s.mu.Unlock()
		fn()
	})
	return true
}

// NextDelay returns the delay Schedule would use right now, without
// arming anything. For logging.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Delay(s.attempt)
}

// Attempt returns the number of attempts consumed so far.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Exhausted reports whether the attempt budget is spent. Once true,
// Schedule refuses until Reset is called.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt >= s.policy.MaxAttempts && !s.armed
}

// Reset returns the scheduler to a fresh state. Call on any successful
// connect or join so the next outage gets the full budget.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	s.cancelLocked()
}

// Stop cancels any outstanding retry timer without touching the
// attempt count. Call on teardown so no retry fires after the owner
// is gone.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.armed = false
}

func (s *Scheduler) jittered(d time.Duration) time.Duration {
	if s.policy.Jitter <= 0 {
		return d
	}
	// Shift by a random fraction in [-Jitter, +Jitter].
	shift := (s.rng()*2 - 1) * s.policy.Jitter
	jittered := time.Duration(float64(d) * (1 + shift))
	if jittered <= 0 {
		return d
	}
	return jittered
}
