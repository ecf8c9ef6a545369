// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pulselive/realtime/transport"
)

// Membership tracks which channels the engine should be subscribed
// to. Joins are not durable across reconnects: after every successful
// reconnection the desired set is re-joined from scratch. A channel
// that fails with a permission error is dropped from the desired set
// and never retried.
type Membership struct {
	transport  Transport
	reconciler *Reconciler
	logger     *slog.Logger

	mu       sync.Mutex
	desired  map[string]struct{}
	joined   map[string]bool
	inflight map[string]chan struct{}
	lastErr  map[string]error
}

func newMembership(tr Transport, rec *Reconciler, logger *slog.Logger) *Membership {
	return &Membership{
		transport:  tr,
		reconciler: rec,
		logger:     logger,
		desired:    make(map[string]struct{}),
		joined:     make(map[string]bool),
		inflight:   make(map[string]chan struct{}),
		lastErr:    make(map[string]error),
	}
}

// Join subscribes to a channel. The channel becomes part of the
// desired set immediately; if the connection is down the join is
// performed on the next reconnect. A join acknowledgment may carry a
// state snapshot, which is reconciled before Join returns.
func (m *Membership) Join(ctx context.Context, channel string) error {
	if channel == "" {
		return errors.New("engine: join requires a channel")
	}
	m.mu.Lock()
	m.desired[channel] = struct{}{}
	m.mu.Unlock()
	if !m.transport.Status().State.Live() {
		m.logger.Info("join deferred until reconnect", "channel", channel)
		return nil
	}
	return m.joinOne(ctx, channel)
}

// Leave unsubscribes. Best effort on the wire; the desired set is
// updated regardless so the channel is not re-joined later.
func (m *Membership) Leave(ctx context.Context, channel string) error {
	m.mu.Lock()
	delete(m.desired, channel)
	wasJoined := m.joined[channel]
	delete(m.joined, channel)
	m.mu.Unlock()
	if !wasJoined || !m.transport.Status().State.Live() {
		return nil
	}
	body, err := json.Marshal(transport.JoinRequest{Channel: channel})
	if err != nil {
		return fmt.Errorf("engine: encoding leave: %w", err)
	}
	return m.transport.Send(ctx, transport.Envelope{
		Type:    transport.TypeLeave,
		Channel: channel,
		Payload: body,
	})
}

func (m *Membership) desiredContains(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.desired[channel]
	return ok
}

// Joined reports whether the channel subscription is currently live.
func (m *Membership) Joined(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined[channel]
}

// Channels returns the desired channel set, sorted.
func (m *Membership) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.desired))
	for ch := range m.desired {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// markAllUnjoined voids every live subscription. Called when the
// connection drops; the rejoin on reconnect rebuilds from the desired
// set.
func (m *Membership) markAllUnjoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.joined {
		delete(m.joined, ch)
	}
}

// rejoinAll joins every desired channel that is not already live.
// Errors other than permission failures leave the channel in the
// desired set for the next attempt.
func (m *Membership) rejoinAll(ctx context.Context) {
	for _, channel := range m.Channels() {
		if err := m.joinOne(ctx, channel); err != nil {
			m.logger.Warn("rejoin failed", "channel", channel, "error", err)
		}
	}
}

// joinOne performs one join, coalescing concurrent attempts for the
// same channel: losers wait for the winner's attempt and share its
// outcome.
func (m *Membership) joinOne(ctx context.Context, channel string) error {
	m.mu.Lock()
	if m.joined[channel] {
		m.mu.Unlock()
		return nil
	}
	if wait, racing := m.inflight[channel]; racing {
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.joined[channel] {
			return nil
		}
		return m.lastErr[channel]
	}
	wait := make(chan struct{})
	m.inflight[channel] = wait
	m.mu.Unlock()

	err := m.attemptJoin(ctx, channel)

	m.mu.Lock()
	m.lastErr[channel] = err
	delete(m.inflight, channel)
	m.mu.Unlock()
	close(wait)
	return err
}

// restoreJoinState returns the connection-level state to where it was
// before a failed join attempt: Joined while other subscriptions are
// live, Connected otherwise.
func (m *Membership) restoreJoinState() {
	m.mu.Lock()
	anyJoined := len(m.joined) > 0
	m.mu.Unlock()
	if anyJoined {
		m.transport.MarkJoined()
		return
	}
	m.transport.MarkConnected()
}

func (m *Membership) attemptJoin(ctx context.Context, channel string) error {
	body, err := json.Marshal(transport.JoinRequest{Channel: channel})
	if err != nil {
		return fmt.Errorf("engine: encoding join: %w", err)
	}
	m.transport.MarkJoining()
	ack, err := m.transport.Request(ctx, transport.Envelope{
		Type:    transport.TypeJoin,
		Channel: channel,
		Payload: body,
	})
	if err != nil {
		m.restoreJoinState()
		return fmt.Errorf("engine: joining %s: %w", channel, err)
	}
	var result transport.JoinAck
	if err := json.Unmarshal(ack.Payload, &result); err != nil {
		m.restoreJoinState()
		return fmt.Errorf("engine: decoding join ack for %s: %w", channel, err)
	}
	if !result.Success {
		serverErr := &transport.ServerError{Code: "JOIN_REJECTED", Message: "join rejected"}
		if result.Error != nil {
			serverErr = &transport.ServerError{Code: result.Error.Code, Message: result.Error.Message}
		}
		if serverErr.Code == transport.ErrCodeForbidden || serverErr.Code == transport.ErrCodeNotFound {
			// Fatal for this room only. No amount of retrying will
			// make the credential authorized.
			m.mu.Lock()
			delete(m.desired, channel)
			m.mu.Unlock()
		}
		m.logger.Warn("join rejected", "channel", channel, "code", serverErr.Code)
		m.restoreJoinState()
		return serverErr
	}

	m.mu.Lock()
	m.joined[channel] = true
	m.mu.Unlock()
	m.transport.MarkJoined()

	// A snapshot short-circuits the initial fetch.
	for _, ev := range result.Snapshot {
		m.reconciler.Apply(ctx, channel, ev)
	}
	m.logger.Info("joined channel", "channel", channel, "snapshot", len(result.Snapshot))
	return nil
}
