// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"time"
)

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	// Type discriminates the payload (see the Type* constants).
	Type string `json:"type"`

	// ID correlates a request with its acknowledgment. Set by the
	// sender on join and mutate; echoed by the server on the ack.
	// Empty on unsolicited pushes.
	ID string `json:"id,omitempty"`

	// Channel is the subscription scope the message belongs to.
	Channel string `json:"channel,omitempty"`

	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants. Outbound: join, mutate, leave. Inbound:
// welcome, join_ack, mutate_ack, event, disconnect.
const (
	TypeWelcome    = "welcome"
	TypeJoin       = "join"
	TypeJoinAck    = "join_ack"
	TypeLeave      = "leave"
	TypeMutate     = "mutate"
	TypeMutateAck  = "mutate_ack"
	TypeEvent      = "event"
	TypeDisconnect = "disconnect"
)

// JoinRequest asks the server to subscribe this connection to a
// channel.
type JoinRequest struct {
	Channel string `json:"channel"`
}

// JoinAck is the server's response to a join.
type JoinAck struct {
	Success bool `json:"success"`

	// Error is set when Success is false.
	Error *WireError `json:"error,omitempty"`

	// Snapshot optionally carries the channel's current entities,
	// short-circuiting a separate full fetch after join.
	Snapshot []PushEvent `json:"snapshot,omitempty"`
}

// MutateRequest carries one client mutation.
type MutateRequest struct {
	// Action names the mutation (e.g., "lead.update").
	Action string `json:"action"`

	// EntityID is the target entity; empty for creations.
	EntityID string `json:"entityId,omitempty"`

	// IdempotencyKey makes a duplicate send recognizable server-side.
	IdempotencyKey string `json:"idempotencyKey"`

	// Payload is the mutation body.
	Payload json.RawMessage `json:"payload"`
}

// MutateAck is the server's response to a mutation.
type MutateAck struct {
	Success bool `json:"success"`

	// Entity is the authoritative post-mutation entity on success.
	Entity *PushEvent `json:"entity,omitempty"`

	// Error is set when Success is false.
	Error *WireError `json:"error,omitempty"`
}

// PushEvent is an authoritative entity state pushed by the server,
// either unsolicited (TypeEvent) or embedded in an ack or snapshot.
type PushEvent struct {
	// EventID uniquely identifies this delivery for replay
	// deduplication. The same logical event redelivered keeps its
	// EventID.
	EventID string `json:"eventId"`

	// EntityID is the server-assigned entity identifier.
	EntityID string `json:"entityId"`

	// ResourceType namespaces the entity (e.g., "lead").
	ResourceType string `json:"resourceType"`

	// Version is the server's monotonic version for the entity.
	Version int64 `json:"version"`

	// Deleted marks a tombstone push: the entity was removed.
	Deleted bool `json:"deleted,omitempty"`

	// Payload is the entity's full authoritative state.
	Payload json.RawMessage `json:"payload"`

	// Origin identifies the submitting principal, used with Payload
	// and SentAt to correlate a push with a local optimistic entry
	// that predates the server-assigned id.
	Origin string `json:"origin,omitempty"`

	// CorrelationID echoes the idempotency key of the mutation that
	// produced this event, when the server knows it.
	CorrelationID string `json:"correlationId,omitempty"`

	// SentAt is the server-side emission time.
	SentAt time.Time `json:"sentAt"`
}

// DisconnectNotice is the server's connection-level goodbye.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// WireError is the structured error body carried inside acks.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
