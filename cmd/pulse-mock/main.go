// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Pulse-mock is an in-memory sync gateway for development and probe
// runs. It speaks the production wire contract: bearer-authenticated
// WebSocket, join/join_ack with a state snapshot, mutate/mutate_ack
// with idempotency-key deduplication, and authoritative event
// broadcast to every member of a channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"nhooyr.io/websocket"

	"github.com/pulselive/realtime/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulse-mock:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     string
		credential string
		verbose    bool
	)
	pflag.StringVar(&listen, "listen", "127.0.0.1:8787", "address to listen on")
	pflag.StringVar(&credential, "credential", "dev", "bearer credential clients must present")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := newGateway(credential, logger)
	server := &http.Server{
		Addr:              listen,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// entity is one stored record with its monotonic version.
type entity struct {
	ID           string
	ResourceType string
	Version      int64
	Payload      json.RawMessage
}

// client is one connected WebSocket with its channel memberships.
type client struct {
	conn   *websocket.Conn
	joined map[string]bool
	mu     sync.Mutex
}

func (c *client) write(ctx context.Context, env transport.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// gateway holds all mock state: entities per channel, applied
// idempotency keys, and the connected clients.
type gateway struct {
	credential string
	logger     *slog.Logger

	mu       sync.Mutex
	channels map[string]map[string]*entity
	applied  map[string]*entity
	clients  map[*client]struct{}
}

func newGateway(credential string, logger *slog.Logger) *gateway {
	return &gateway{
		credential: credential,
		logger:     logger,
		channels:   make(map[string]map[string]*entity),
		applied:    make(map[string]*entity),
		clients:    make(map[*client]struct{}),
	}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+g.credential {
		http.Error(w, "bad credential", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("accept failed", "error", err)
		return
	}
	cl := &client{conn: conn, joined: make(map[string]bool)}
	g.mu.Lock()
	g.clients[cl] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.clients, cl)
		g.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	if err := cl.write(ctx, transport.Envelope{Type: transport.TypeWelcome}); err != nil {
		return
	}
	g.logger.Info("client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.logger.Info("client disconnected", "remote", r.RemoteAddr)
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("malformed envelope", "error", err)
			continue
		}
		switch env.Type {
		case transport.TypeJoin:
			g.handleJoin(ctx, cl, env)
		case transport.TypeLeave:
			g.handleLeave(cl, env)
		case transport.TypeMutate:
			g.handleMutate(ctx, cl, env)
		default:
			g.logger.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

func (g *gateway) handleJoin(ctx context.Context, cl *client, env transport.Envelope) {
	var req transport.JoinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Channel == "" {
		g.ack(ctx, cl, env, transport.TypeJoinAck, transport.JoinAck{
			Success: false,
			Error:   &transport.WireError{Code: transport.ErrCodeInvalid, Message: "bad join payload"},
		})
		return
	}
	cl.mu.Lock()
	cl.joined[req.Channel] = true
	cl.mu.Unlock()

	g.mu.Lock()
	snapshot := make([]transport.PushEvent, 0, len(g.channels[req.Channel]))
	for _, ent := range g.channels[req.Channel] {
		snapshot = append(snapshot, transport.PushEvent{
			EventID:      uuid.NewString(),
			EntityID:     ent.ID,
			ResourceType: ent.ResourceType,
			Version:      ent.Version,
			Payload:      ent.Payload,
		})
	}
	g.mu.Unlock()

	g.logger.Info("join", "channel", req.Channel, "snapshot", len(snapshot))
	g.ack(ctx, cl, env, transport.TypeJoinAck, transport.JoinAck{Success: true, Snapshot: snapshot})
}

func (g *gateway) handleLeave(cl *client, env transport.Envelope) {
	var req transport.JoinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	cl.mu.Lock()
	delete(cl.joined, req.Channel)
	cl.mu.Unlock()
	g.logger.Info("leave", "channel", req.Channel)
}

func (g *gateway) handleMutate(ctx context.Context, cl *client, env transport.Envelope) {
	var req transport.MutateRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.IdempotencyKey == "" {
		g.ack(ctx, cl, env, transport.TypeMutateAck, transport.MutateAck{
			Success: false,
			Error:   &transport.WireError{Code: transport.ErrCodeInvalid, Message: "bad mutate payload"},
		})
		return
	}

	g.mu.Lock()
	ent, replay := g.applied[req.IdempotencyKey]
	if !replay {
		ent = g.applyLocked(env.Channel, req)
		g.applied[req.IdempotencyKey] = ent
	}
	g.mu.Unlock()

	pushed := transport.PushEvent{
		EventID:       uuid.NewString(),
		EntityID:      ent.ID,
		ResourceType:  ent.ResourceType,
		Version:       ent.Version,
		Payload:       ent.Payload,
		CorrelationID: req.IdempotencyKey,
		Origin:        "mock",
		SentAt:        time.Now().UTC(),
	}
	g.ack(ctx, cl, env, transport.TypeMutateAck, transport.MutateAck{Success: true, Entity: &pushed})
	if !replay {
		g.broadcast(ctx, env.Channel, pushed)
	}
	g.logger.Info("mutate", "channel", env.Channel, "action", req.Action,
		"entity_id", ent.ID, "version", ent.Version, "replay", replay)
}

// applyLocked materializes a mutation: creates assign a fresh entity
// id, updates bump the version. Caller holds g.mu.
func (g *gateway) applyLocked(channel string, req transport.MutateRequest) *entity {
	entities := g.channels[channel]
	if entities == nil {
		entities = make(map[string]*entity)
		g.channels[channel] = entities
	}
	id := req.EntityID
	if id == "" {
		id = uuid.NewString()
	}
	ent := entities[id]
	if ent == nil {
		ent = &entity{ID: id, ResourceType: channel}
		entities[id] = ent
	}
	ent.Version++
	ent.Payload = req.Payload
	return ent
}

func (g *gateway) ack(ctx context.Context, cl *client, env transport.Envelope, ackType string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		g.logger.Error("encoding ack", "error", err)
		return
	}
	if err := cl.write(ctx, transport.Envelope{Type: ackType, ID: env.ID, Channel: env.Channel, Payload: payload}); err != nil {
		g.logger.Warn("ack write failed", "error", err)
	}
}

// broadcast pushes the authoritative event to every client joined to
// the channel, including the mutating client.
func (g *gateway) broadcast(ctx context.Context, channel string, ev transport.PushEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("encoding event", "error", err)
		return
	}
	env := transport.Envelope{Type: transport.TypeEvent, Channel: channel, Payload: payload}
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for cl := range g.clients {
		cl.mu.Lock()
		member := cl.joined[channel]
		cl.mu.Unlock()
		if member {
			targets = append(targets, cl)
		}
	}
	g.mu.Unlock()
	for _, cl := range targets {
		if err := cl.write(ctx, env); err != nil {
			g.logger.Debug("broadcast write failed", "error", err)
		}
	}
}
