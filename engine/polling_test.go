// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulselive/realtime/lib/clock"
	"github.com/pulselive/realtime/lib/testutil"
)

func TestPollerFiresOnInterval(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	fired := make(chan struct{}, 8)
	p := newPoller(fake, slog.New(slog.NewTextHandler(io.Discard, nil)), 30*time.Second, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	p.Start(context.Background())
	defer p.Stop()
	fake.WaitForTimers(1)

	fake.Advance(30 * time.Second)
	testutil.RequireReceive(t, fired, 5*time.Second, "first tick")
	fake.Advance(30 * time.Second)
	testutil.RequireReceive(t, fired, 5*time.Second, "second tick")
}

func TestPollerSkipsTickWhileRefreshInFlight(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	var started atomic.Int64
	block := make(chan struct{})
	entered := make(chan struct{}, 8)
	p := newPoller(fake, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Second, func(ctx context.Context) error {
		started.Add(1)
		entered <- struct{}{}
		<-block
		return nil
	})
	p.Start(context.Background())
	defer p.Stop()
	fake.WaitForTimers(1)

	fake.Advance(10 * time.Second)
	testutil.RequireReceive(t, entered, 5*time.Second, "first refresh")

	// Two more ticks land while the first refresh is still running;
	// neither may start a second one.
	fake.Advance(10 * time.Second)
	fake.Advance(10 * time.Second)
	testutil.RequireNoReceive(t, entered, 100*time.Millisecond, "overlapping refresh")
	if got := started.Load(); got != 1 {
		t.Fatalf("refreshes started = %d, want 1", got)
	}

	close(block)
	deadline := time.Now().Add(5 * time.Second)
	for p.inflight.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// With the first refresh done, the next tick runs again.
	fake.Advance(10 * time.Second)
	testutil.RequireReceive(t, entered, 5*time.Second, "refresh after completion")
}

func TestPollNowTriggersImmediateRefresh(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	fired := make(chan struct{}, 8)
	p := newPoller(fake, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	p.Start(context.Background())
	defer p.Stop()

	p.PollNow()
	testutil.RequireReceive(t, fired, 5*time.Second, "immediate poll")
}

func TestPollerStopIsIdempotent(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	p := newPoller(fake, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute, func(ctx context.Context) error {
		return nil
	})
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
