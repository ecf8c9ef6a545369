// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/pulselive/realtime/lib/backoff"
	"github.com/pulselive/realtime/lib/clock"
)

// Config holds the parameters for a Manager. URL and Credential are
// required.
type Config struct {
	// URL is the gateway WebSocket endpoint (ws:// or wss://).
	URL string

	// Credential is the opaque bearer token identifying this client.
	// The engine never inspects it.
	Credential string

	// ResourceContext scopes the connection to one logical view
	// (e.g., an event id). Sent as a query parameter on dial.
	ResourceContext string

	// Retry governs automatic reconnection. Zero value: 1s base, 30s
	// cap, 3 attempts.
	Retry backoff.Policy

	// HeartbeatInterval is the protocol-level ping cadence. If zero,
	// 25 seconds. A ping that goes unanswered within the interval
	// marks the connection Degraded and forces a reconnect.
	HeartbeatInterval time.Duration

	// DialTimeout bounds each dial attempt. If zero, 10 seconds.
	DialTimeout time.Duration

	// Clock provides all timers. Nil means the real clock.
	Clock clock.Clock

	// Logger receives connection lifecycle messages. Nil means
	// slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.URL == "" {
		return c, fmt.Errorf("transport: URL is required")
	}
	if c.Credential == "" {
		return c, fmt.Errorf("transport: Credential is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// Manager owns the WebSocket and its lifecycle. Safe for concurrent
// use. Create with NewManager, start with Connect, and always Close.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	retry  *backoff.Scheduler

	inbound  chan Envelope
	statuses chan Status
	done     chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	manualRetry bool
	reason      string
	closed      bool
	pumpCancel  context.CancelFunc
	pending     map[string]chan Envelope
}

// NewManager validates the config and returns an unconnected Manager
// in state Disconnected.
func NewManager(cfg Config) (*Manager, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		retry:    backoff.NewScheduler(cfg.Retry, cfg.Clock),
		inbound:  make(chan Envelope, 64),
		statuses: make(chan Status, 16),
		done:     make(chan struct{}),
		pending:  make(map[string]chan Envelope),
	}, nil
}

// Inbound delivers unsolicited server envelopes (events, disconnect
// notices) in arrival order. The channel is never closed; select
// against Done.
func (m *Manager) Inbound() <-chan Envelope { return m.inbound }

// Statuses delivers connection state transitions. Best effort: if the
// consumer lags more than the buffer, intermediate transitions are
// dropped in favor of newer ones.
func (m *Manager) Statuses() <-chan Status { return m.statuses }

// Done is closed when the manager is torn down.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, ManualRetryRequired: m.manualRetry, Reason: m.reason}
}

// Connect dials the gateway, waits for the server's welcome, and
// starts the read pump and heartbeat. Idempotent while live: calling
// Connect on a connected manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Live() || m.state == Connecting {
		m.mu.Unlock()
		return nil
	}
	m.manualRetry = false
	m.mu.Unlock()
	m.setState(Connecting, "")

	if err := m.dial(ctx); err != nil {
		m.setState(Disconnected, err.Error())
		return err
	}
	return nil
}

// dial performs one connection attempt: WebSocket handshake with the
// bearer credential, then the welcome envelope that confirms the
// credential was accepted.
func (m *Manager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	url := m.cfg.URL
	if m.cfg.ResourceContext != "" {
		url += "?context=" + m.cfg.ResourceContext
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Credential)

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", m.cfg.URL, err)
	}

	// The gateway's first message is the welcome confirming auth.
	// Anything else means we are talking to the wrong endpoint.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no welcome")
		return fmt.Errorf("transport: reading welcome: %w", err)
	}
	var welcome Envelope
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != TypeWelcome {
		conn.Close(websocket.StatusProtocolError, "bad welcome")
		return fmt.Errorf("transport: expected %q envelope, got %q", TypeWelcome, welcome.Type)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pumpCancel()
		conn.Close(websocket.StatusNormalClosure, "closed during dial")
		return ErrClosed
	}
	m.conn = conn
	m.pumpCancel = pumpCancel
	m.mu.Unlock()

	m.retry.Reset()
	m.setState(Connected, "")
	m.logger.Info("gateway connected", "url", m.cfg.URL, "context", m.cfg.ResourceContext)

	go m.readPump(pumpCtx, conn)
	go m.heartbeat(pumpCtx, conn)
	return nil
}

// Send writes one envelope. Fails immediately with ErrNotConnected
// when the socket is down; callers that want queueing do it above
// this layer.
func (m *Manager) Send(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encoding %s envelope: %w", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: writing %s envelope: %w", env.Type, err)
	}
	return nil
}

// Request sends an envelope and blocks until the matching ack arrives
// or ctx expires. The ack is matched by envelope ID; an ID is
// assigned if the caller left it empty. Context expiry surfaces as
// ErrAckTimeout so callers can distinguish "server said no" from
// "server said nothing".
func (m *Manager) Request(ctx context.Context, env Envelope) (Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	ch := make(chan Envelope, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	m.pending[env.ID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, env.ID)
		m.mu.Unlock()
	}()

	if err := m.Send(ctx, env); err != nil {
		return Envelope{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			// The connection dropped with the request in flight. The
			// server may or may not have processed it; the
			// idempotency key makes a resend safe.
			return Envelope{}, ErrNotConnected
		}
		return ack, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %s %s: %v", ErrAckTimeout, env.Type, env.ID, ctx.Err())
	case <-m.done:
		return Envelope{}, ErrClosed
	}
}

// readPump owns conn reads for one connection generation. Acks
// resolve pending requests; everything else flows to Inbound in
// arrival order.
func (m *Manager) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleConnectionLoss(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("dropping undecodable envelope", "error", err)
			continue
		}

		if env.Type == TypeDisconnect {
			var notice DisconnectNotice
			_ = json.Unmarshal(env.Payload, &notice)
			m.handleConnectionLoss(fmt.Errorf("transport: server disconnect: %s", notice.Reason))
			return
		}

		if env.ID != "" {
			m.mu.Lock()
			ch, isAck := m.pending[env.ID]
			m.mu.Unlock()
			if isAck {
				ch <- env
				continue
			}
		}

		select {
		case m.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat sends protocol-level pings. A failed ping marks the
// connection Degraded and closes the socket, which routes through the
// read pump's error path into the reconnect machinery.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat failed, forcing reconnect", "error", err)
				m.setState(Degraded, "heartbeat timeout")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleConnectionLoss is the single path for an involuntary drop:
// tear down this connection generation, fail in-flight requests, and
// arm the retry scheduler.
func (m *Manager) handleConnectionLoss(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
	if m.conn != nil {
		m.conn.Close(websocket.StatusGoingAway, "connection lost")
		m.conn = nil
	}
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	m.logger.Warn("gateway connection lost", "error", cause)
	m.setState(Connecting, cause.Error())

	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	armed := m.retry.Schedule(func() {
		reconnectCtx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		if err := m.dial(reconnectCtx); err != nil {
			m.logger.Warn("reconnect attempt failed",
				"attempt", m.retry.Attempt(),
				"error", err,
			)
			m.scheduleReconnect()
		}
	})
	if !armed && m.retry.Exhausted() {
		m.mu.Lock()
		m.manualRetry = true
		m.mu.Unlock()
		m.logger.Error("reconnect budget exhausted, manual retry required")
		m.setState(Disconnected, ErrRetriesExhausted.Error())
	}
}

// RetryNow restarts connection attempts after the automatic budget
// was spent. The retry budget is restored in full. A no-op unless the
// state is Disconnected: a live connection keeps its pumps, a dial in
// progress keeps its generation, and a Degraded socket is already on
// its way to Connecting through the loss handler.
func (m *Manager) RetryNow(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.manualRetry = false
	m.mu.Unlock()
	m.retry.Reset()
	return m.Connect(ctx)
}

// MarkJoining, MarkJoined, and MarkConnected let the membership layer
// reflect join progress in the connection-level state machine.
// MarkConnected is the return path for a rejected join. All are no-ops
// when the socket is not live (a drop mid-join already moved the
// state to Connecting).

func (m *Manager) MarkJoining() { m.setStateIfLive(Joining) }

func (m *Manager) MarkJoined() { m.setStateIfLive(Joined) }

func (m *Manager) MarkConnected() { m.setStateIfLive(Connected) }

func (m *Manager) setStateIfLive(s State) {
	m.mu.Lock()
	live := m.state.Live()
	m.mu.Unlock()
	if live {
		m.setState(s, "")
	}
}

// Close tears the manager down: cancels the pumps, closes the socket,
// stops any armed retry timer, and fails pending requests. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = Disconnected
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
	conn := m.conn
	m.conn = nil
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	m.retry.Stop()
	close(m.done)

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	m.logger.Debug("transport manager closed")
	return nil
}

// setState records a transition and publishes it. Publishing is
// lossy-oldest: when the buffer is full the oldest status is dropped
// so the consumer always converges on the newest state.
func (m *Manager) setState(s State, reason string) {
	m.mu.Lock()
	if m.closed && s != Disconnected {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.reason = reason
	status := Status{State: s, ManualRetryRequired: m.manualRetry, Reason: reason}
	m.mu.Unlock()

	for {
		select {
		case m.statuses <- status:
			return
		default:
			select {
			case <-m.statuses:
			default:
			}
		}
	}
}
