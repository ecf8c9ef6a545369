// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pulselive/realtime/lib/codec"
)

// QueuedMutation is one mutation captured while the connection was
// down, waiting to be sent on reconnect. Records are CBOR on disk and
// replayed in submission order.
type QueuedMutation struct {
	// IdempotencyKey identifies the mutation to the server; replaying
	// the journal after a crash can therefore never double-apply.
	IdempotencyKey string `cbor:"idempotency_key"`

	// Channel is the subscription scope the mutation targets.
	Channel string `cbor:"channel"`

	// Action is the mutation's action key (e.g., "lead.update").
	Action string `cbor:"action"`

	// ResourceType namespaces the target entity.
	ResourceType string `cbor:"resource_type"`

	// EntityID is the target entity, empty for creations where the
	// server assigns the id.
	EntityID string `cbor:"entity_id,omitempty"`

	// LocalID is the optimistic placeholder id for creations.
	LocalID string `cbor:"local_id,omitempty"`

	// Payload is the mutation body as it will go over the wire.
	Payload json.RawMessage `cbor:"payload"`

	// SubmittedAt is when the user performed the action.
	SubmittedAt time.Time `cbor:"submitted_at"`
}

// Enqueue appends a mutation to the journal. Enqueueing the same
// idempotency key twice is a no-op, matching the at-most-once-send
// contract.
func (s *Store) Enqueue(ctx context.Context, mutation QueuedMutation) error {
	if mutation.IdempotencyKey == "" {
		return fmt.Errorf("cache: Enqueue requires an IdempotencyKey")
	}

	record, err := codec.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("cache: encoding queued mutation: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO mutation_journal (idempotency_key, record) VALUES (?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{mutation.IdempotencyKey, record}})
	if err != nil {
		return fmt.Errorf("cache: enqueueing mutation %s: %w", mutation.IdempotencyKey, err)
	}
	return nil
}

// Queued returns all journaled mutations in submission order.
func (s *Store) Queued(ctx context.Context) ([]QueuedMutation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	var mutations []QueuedMutation
	err = sqlitex.Execute(conn, `SELECT record FROM mutation_journal ORDER BY seq`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, record)
				var mutation QueuedMutation
				if err := codec.Unmarshal(record, &mutation); err != nil {
					return fmt.Errorf("decoding queued mutation: %w", err)
				}
				mutations = append(mutations, mutation)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: reading journal: %w", err)
	}
	return mutations, nil
}

// Dequeue removes a journaled mutation after it has been sent and
// resolved. Removing an absent key is not an error: the journal may
// already have been cleared by a competing flush.
func (s *Store) Dequeue(ctx context.Context, idempotencyKey string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM mutation_journal WHERE idempotency_key = ?`,
		&sqlitex.ExecOptions{Args: []any{idempotencyKey}})
	if err != nil {
		return fmt.Errorf("cache: dequeueing mutation %s: %w", idempotencyKey, err)
	}
	return nil
}

// QueuedCount returns the number of journaled mutations.
func (s *Store) QueuedCount(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM mutation_journal`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("cache: counting journal: %w", err)
	}
	return count, nil
}
