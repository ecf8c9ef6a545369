// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulselive/realtime/lib/clock"
)

// RefreshFunc performs one full authoritative fetch, bypassing the
// optimistic path, and feeds the results through the reconciler.
type RefreshFunc func(ctx context.Context) error

// Poller forces a periodic authoritative refresh as a safety net
// under the push channel. Ticks that land while a refresh is still in
// flight are skipped, never stacked.
type Poller struct {
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	refresh  RefreshFunc

	inflight atomic.Bool
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPoller(clk clock.Clock, logger *slog.Logger, interval time.Duration, refresh RefreshFunc) *Poller {
	return &Poller{
		clock:    clk,
		logger:   logger,
		interval: interval,
		refresh:  refresh,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.run(ctx)
		case <-p.kick:
			p.run(ctx)
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) run(ctx context.Context) {
	if !p.inflight.CompareAndSwap(false, true) {
		p.logger.Debug("skipping poll tick, refresh in flight")
		return
	}
	go func() {
		defer p.inflight.Store(false)
		if err := p.refresh(ctx); err != nil {
			p.logger.Warn("poll refresh failed", "error", err)
		}
	}()
}

// PollNow requests an immediate refresh, used on reconnect to catch
// up after an outage. Coalesces with an already-requested poll.
func (p *Poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the poll loop. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}
