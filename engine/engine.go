// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulselive/realtime/cache"
	"github.com/pulselive/realtime/lib/clock"
	"github.com/pulselive/realtime/lib/ratelimit"
	"github.com/pulselive/realtime/transport"
)

// Transport is the persistent bidirectional channel the engine drives.
// *transport.Manager implements it; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(ctx context.Context, env transport.Envelope) error
	Request(ctx context.Context, env transport.Envelope) (transport.Envelope, error)
	Inbound() <-chan transport.Envelope
	Statuses() <-chan transport.Status
	Status() transport.Status
	MarkJoining()
	MarkJoined()
	MarkConnected()
	RetryNow(ctx context.Context) error
	Done() <-chan struct{}
}

const (
	defaultAckTimeout = 8 * time.Second

	// Defaults for client-originated high-frequency actions.
	defaultPerSecond   = 3
	defaultBurst       = 10
	defaultBurstWindow = 5 * time.Second
)

// Config holds the parameters for assembling an Engine.
type Config struct {
	// Transport is the connection to the sync gateway. Required.
	Transport Transport

	// Cache is the durable offline store. Nil disables persistence;
	// offline mutations are then held in memory only.
	Cache *cache.Store

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Limits gates outbound actions. Zero values default to 3 per
	// sliding second and 10 per 5-second burst window.
	Limits ratelimit.Limits

	// AckTimeout bounds the wait for a mutation acknowledgment.
	// Defaults to 8s.
	AckTimeout time.Duration

	// Refresh, when set, is polled on PollInterval and immediately
	// after every reconnect. Nil disables the polling fallback.
	Refresh RefreshFunc

	// PollInterval defaults to 30s when Refresh is set.
	PollInterval time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.Transport == nil {
		return c, errors.New("engine: config requires a transport")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Limits.PerSecond == 0 {
		c.Limits.PerSecond = defaultPerSecond
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = defaultBurst
	}
	if c.Limits.BurstWindow == 0 {
		c.Limits.BurstWindow = defaultBurstWindow
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c, nil
}

// Engine is the synchronization core: one per logical client view. It
// owns the store, consumes the transport's inbound stream, and exposes
// imperative Join/Leave/Submit plus read access to synchronized state.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	clock      clock.Clock
	transport  Transport
	cache      *cache.Store
	store      *Store
	ledger     *ledger
	metrics    *Metrics
	reconciler *Reconciler
	coord      *Coordinator
	membership *Membership
	poller     *Poller

	statuses chan transport.Status
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu            sync.Mutex
	started       bool
	closed        bool
	connected     bool
	everConnected bool
}

// New assembles an engine. Call Start to connect and begin consuming
// events.
func New(cfg Config) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store := NewStore()
	led := newLedger()
	metrics := &Metrics{}
	rec := newReconciler(store, led, cfg.Cache, cfg.Clock, cfg.Logger, metrics)
	e := &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		transport:  cfg.Transport,
		cache:      cfg.Cache,
		store:      store,
		ledger:     led,
		metrics:    metrics,
		reconciler: rec,
		coord: &Coordinator{
			store:      store,
			ledger:     led,
			limiter:    ratelimit.New(cfg.Limits, cfg.Clock),
			transport:  cfg.Transport,
			cache:      cfg.Cache,
			clock:      cfg.Clock,
			logger:     cfg.Logger,
			metrics:    metrics,
			ackTimeout: cfg.AckTimeout,
		},
		statuses: make(chan transport.Status, 16),
		loopDone: make(chan struct{}),
	}
	e.membership = newMembership(cfg.Transport, rec, cfg.Logger)
	if cfg.Refresh != nil {
		e.poller = newPoller(cfg.Clock, cfg.Logger, cfg.PollInterval, cfg.Refresh)
	}
	return e, nil
}

// Hydrate loads the last-synced state for the given resource types
// from the offline cache into the store, for first paint before any
// network round-trip. No-op without a cache.
func (e *Engine) Hydrate(ctx context.Context, resourceTypes ...string) error {
	if e.cache == nil {
		return nil
	}
	for _, resourceType := range resourceTypes {
		entries, err := e.cache.ReadAll(ctx, resourceType)
		if err != nil {
			return fmt.Errorf("engine: hydrating %s: %w", resourceType, err)
		}
		e.store.Update(func(tx *Tx) {
			for _, entry := range entries {
				if _, exists := tx.Get(resourceType, entry.EntityID); exists {
					continue
				}
				tx.Put(Record{
					ResourceType: resourceType,
					EntityID:     entry.EntityID,
					Version:      entry.RemoteVersion,
					Payload:      entry.Payload,
					UpdatedAt:    entry.LastSyncedAt,
				})
				tx.AddCounter(resourceType+":total", 1)
			}
		})
		e.logger.Info("hydrated from cache", "resource_type", resourceType, "entries", len(entries))
	}
	return nil
}

// Start connects the transport and begins consuming inbound events
// and status changes. The initial dial failing is not fatal: the
// engine stays usable offline and the caller may RetryNow later.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.loop(loopCtx)
	if e.poller != nil {
		e.poller.Start(loopCtx)
	}

	if err := e.transport.Connect(ctx); err != nil {
		e.logger.Warn("initial connect failed, engine is offline", "error", err)
		return fmt.Errorf("engine: connecting: %w", err)
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		select {
		case env := <-e.transport.Inbound():
			e.handleInbound(ctx, env)
		case status := <-e.transport.Statuses():
			e.handleStatus(ctx, status)
		case <-e.transport.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, env transport.Envelope) {
	if env.Type != transport.TypeEvent {
		return
	}
	var ev transport.PushEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		e.logger.Warn("discarding malformed event", "channel", env.Channel, "error", err)
		return
	}
	e.reconciler.Apply(ctx, env.Channel, ev)
}

func (e *Engine) handleStatus(ctx context.Context, status transport.Status) {
	e.publishStatus(status)

	e.mu.Lock()
	wasConnected := e.connected
	isReconnect := e.everConnected
	e.connected = status.State.Live()
	if e.connected {
		e.everConnected = true
	}
	e.mu.Unlock()

	switch {
	case !status.State.Live() && wasConnected:
		// Joins are void once the socket is gone; the rejoin on
		// reconnect rebuilds them from the desired set.
		e.membership.markAllUnjoined()
	case status.State == transport.Connected && !wasConnected:
		if isReconnect {
			e.metrics.reconnects.Add(1)
		}
		e.logger.Info("connection established, resynchronizing")
		e.flushOffline(ctx)
		e.membership.rejoinAll(ctx)
		if e.poller != nil {
			e.poller.PollNow()
		}
	case status.State == transport.Disconnected && status.ManualRetryRequired:
		e.logger.Warn("reconnect attempts exhausted, manual retry required",
			"reason", status.Reason)
	}
}

// flushOffline drains the offline mutation journal in submission
// order. A connection loss mid-flush leaves the remainder queued for
// the next reconnect.
func (e *Engine) flushOffline(ctx context.Context) {
	if e.cache == nil {
		e.flushLedger(ctx)
		return
	}
	queued, err := e.cache.Queued(ctx)
	if err != nil {
		e.logger.Error("reading offline journal", "error", err)
		return
	}
	for _, qm := range queued {
		pm, ok := e.ledger.get(qm.IdempotencyKey)
		if !ok {
			// Journal entry from a previous process. Rebuild the
			// ledger entry and re-apply the prediction on top of the
			// hydrated state.
			pm = e.restoreQueued(qm)
		}
		res, err := e.coord.dispatch(ctx, pm)
		if err != nil {
			// Rejected or timed out: the mutation was rolled back;
			// drop it from the journal.
			e.logger.Warn("queued mutation failed",
				"action", qm.Action, "key", qm.IdempotencyKey, "error", err)
			if dqErr := e.cache.Dequeue(ctx, qm.IdempotencyKey); dqErr != nil {
				e.logger.Error("dequeue failed", "key", qm.IdempotencyKey, "error", dqErr)
			}
			continue
		}
		if res.Queued {
			// Lost the connection again; the rest stays journaled.
			return
		}
		if err := e.cache.Dequeue(ctx, qm.IdempotencyKey); err != nil {
			e.logger.Error("dequeue failed", "key", qm.IdempotencyKey, "error", err)
		}
	}
}

func (e *Engine) restoreQueued(qm cache.QueuedMutation) *PendingMutation {
	pm := &PendingMutation{
		LocalID:        qm.LocalID,
		IdempotencyKey: qm.IdempotencyKey,
		Channel:        qm.Channel,
		Action:         qm.Action,
		ResourceType:   qm.ResourceType,
		EntityID:       qm.EntityID,
		Payload:        qm.Payload,
		Fingerprint:    fingerprint(qm.Channel, qm.Payload),
		SubmittedAt:    qm.SubmittedAt,
		State:          MutationApplied,
		done:           make(chan struct{}),
	}
	e.store.Update(func(tx *Tx) {
		pm.before, pm.beforeExists = tx.Get(pm.ResourceType, pm.targetID())
		rec := Record{
			ResourceType: pm.ResourceType,
			EntityID:     pm.targetID(),
			Payload:      pm.Payload,
			Optimistic:   true,
			UpdatedAt:    pm.SubmittedAt,
		}
		if pm.beforeExists {
			rec.Version = pm.before.Version
		}
		tx.Put(rec)
	})
	e.ledger.add(pm)
	return pm
}

// flushLedger resends in-memory pending mutations when no durable
// journal is configured.
func (e *Engine) flushLedger(ctx context.Context) {
	for _, key := range e.ledger.pendingKeys() {
		pm, ok := e.ledger.get(key)
		if !ok || pm.State != MutationApplied {
			continue
		}
		res, err := e.coord.dispatch(ctx, pm)
		if err != nil {
			e.logger.Warn("queued mutation failed", "action", pm.Action, "key", key, "error", err)
			continue
		}
		if res.Queued {
			return
		}
	}
}

func (e *Engine) publishStatus(status transport.Status) {
	for {
		select {
		case e.statuses <- status:
			return
		default:
		}
		select {
		case <-e.statuses:
		default:
		}
	}
}

// Join subscribes to a channel, deferring until reconnect when the
// connection is down.
func (e *Engine) Join(ctx context.Context, channel string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.membership.Join(ctx, channel)
}

// Leave unsubscribes from a channel.
func (e *Engine) Leave(ctx context.Context, channel string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.membership.Leave(ctx, channel)
}

// Submit runs one optimistic mutation to resolution. The action's
// channel must be in the desired membership set.
func (e *Engine) Submit(ctx context.Context, action Action) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if !e.membership.desiredContains(action.Channel) {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, action.Channel)
	}
	return e.coord.Submit(ctx, action)
}

// Get reads one record from the store, falling back to the offline
// cache for entities not yet loaded.
func (e *Engine) Get(ctx context.Context, resourceType, entityID string) (Record, bool, error) {
	if rec, ok := e.store.Get(resourceType, entityID); ok {
		return rec, true, nil
	}
	if e.cache == nil {
		return Record{}, false, nil
	}
	entry, err := e.cache.Read(ctx, resourceType, entityID)
	if err != nil {
		return Record{}, false, fmt.Errorf("engine: cache read: %w", err)
	}
	if entry == nil {
		return Record{}, false, nil
	}
	return Record{
		ResourceType: resourceType,
		EntityID:     entityID,
		Version:      entry.RemoteVersion,
		Payload:      entry.Payload,
		UpdatedAt:    entry.LastSyncedAt,
	}, true, nil
}

// List returns all loaded records of a resource type.
func (e *Engine) List(resourceType string) []Record { return e.store.List(resourceType) }

// Counter returns a derived aggregate counter, e.g. "lead:total".
func (e *Engine) Counter(name string) int64 { return e.store.Counter(name) }

// Watch subscribes to store change notifications.
func (e *Engine) Watch() (<-chan Change, func()) { return e.store.Watch() }

// Statuses delivers connection status transitions. Lossy; the latest
// status is always retained.
func (e *Engine) Statuses() <-chan transport.Status { return e.statuses }

// Status returns the current connection status.
func (e *Engine) Status() transport.Status { return e.transport.Status() }

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.Snapshot() }

// PendingMutations reports how many mutations await resolution.
func (e *Engine) PendingMutations() int { return e.ledger.size() }

// RetryNow resets the backoff budget and reconnects, for the manual
// retry control shown once automatic retries are exhausted.
func (e *Engine) RetryNow(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.transport.RetryNow(ctx)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears the engine down: the poll loop, the consume loop, and
// the transport. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if e.poller != nil && started {
		e.poller.Stop()
	}
	err := e.transport.Close()
	if started {
		e.cancel()
		<-e.loopDone
	}
	return err
}
