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

	"github.com/google/uuid"

	"github.com/pulselive/realtime/cache"
	"github.com/pulselive/realtime/lib/clock"
	"github.com/pulselive/realtime/lib/ratelimit"
	"github.com/pulselive/realtime/transport"
)

// Action describes one user-originated mutation. Name doubles as the
// rate-limit key, so high-frequency actions like reactions share one
// budget regardless of target.
type Action struct {
	// Channel is the joined subscription the mutation belongs to.
	Channel string

	// Name is the action key (e.g., "lead.update", "reaction.send").
	Name string

	// ResourceType namespaces the target entity in the store.
	ResourceType string

	// EntityID is the target entity. Empty for creations; the engine
	// assigns a local placeholder id until the server names the
	// entity.
	EntityID string

	// Payload is the mutation body sent over the wire.
	Payload json.RawMessage

	// Predicted is the entity payload to apply optimistically. Nil
	// means the wire payload is the predicted state.
	Predicted json.RawMessage

	// Idempotent marks actions where a duplicate submission while the
	// first is pending can be dropped outright (e.g., "mark read").
	// Non-idempotent duplicates are serialized behind the pending one.
	Idempotent bool

	// AssumeDeliveredAfterTimeout keeps the optimistic state and
	// clears the pending flag when the acknowledgment times out,
	// instead of rolling back. Only safe for actions whose effects
	// the server echoes as authoritative events, so a divergence is
	// corrected by reconciliation. Default is rollback: safer, at the
	// cost of UI flicker when an ack is merely slow.
	AssumeDeliveredAfterTimeout bool
}

// Result reports how a submitted mutation resolved.
type Result struct {
	IdempotencyKey string
	LocalID        string
	EntityID       string
	State          MutationState

	// Queued means the mutation was captured in the offline journal
	// and will be sent on reconnect. State stays MutationApplied.
	Queued bool
}

// Coordinator owns the outbound mutation path: rate gate, duplicate
// handling, optimistic apply, send, and the single resolution point
// where acknowledgment, timeout, and connection loss race.
type Coordinator struct {
	store      *Store
	ledger     *ledger
	limiter    *ratelimit.Limiter
	transport  Transport
	cache      *cache.Store
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	ackTimeout time.Duration

	// submitMu serializes the duplicate-check-and-apply step so only
	// one logically identical mutation can become pending at a time.
	submitMu sync.Mutex
}

// Submit applies the predicted result to the store synchronously,
// then sends the mutation and blocks until it resolves. While the
// connection is down the mutation is journaled instead and the call
// returns with Queued set.
func (c *Coordinator) Submit(ctx context.Context, action Action) (*Result, error) {
	if action.Channel == "" || action.Name == "" {
		return nil, errors.New("engine: action requires channel and name")
	}
	if action.ResourceType == "" {
		action.ResourceType = action.Channel
	}

	if !c.limiter.TryAcquire(action.Name) {
		c.metrics.rateLimited.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, action.Name)
	}

	c.ledger.sweepProvisional(c.clock.Now())

	// submitMu makes the duplicate check and the apply one atomic step,
	// so two callers serialized behind the same pending mutation cannot
	// both pass the check when it resolves. The wait itself happens
	// outside the lock.
	fp := fingerprint(action.Channel, action.Payload)
	c.submitMu.Lock()
	for {
		prior, dup := c.ledger.matchDuplicate(action.Channel, action.Name, action.EntityID, fp)
		if !dup {
			break
		}
		if action.Idempotent {
			c.submitMu.Unlock()
			c.logger.Debug("dropping duplicate submission",
				"action", action.Name, "pending_key", prior.IdempotencyKey)
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, action.Name)
		}
		// Serialize behind the pending mutation, then re-check: another
		// waiter may have become the new pending one.
		c.submitMu.Unlock()
		select {
		case <-prior.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.submitMu.Lock()
	}
	pm := c.apply(action, fp)
	c.submitMu.Unlock()
	c.metrics.submitted.Add(1)

	if !c.transport.Status().State.Live() {
		return c.queueOffline(ctx, pm)
	}
	return c.dispatch(ctx, pm)
}

// apply captures the pre-apply snapshot and writes the predicted
// record, all in one store transaction.
func (c *Coordinator) apply(action Action, fp string) *PendingMutation {
	pm := &PendingMutation{
		LocalID:        uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Channel:        action.Channel,
		Action:         action.Name,
		ResourceType:   action.ResourceType,
		EntityID:       action.EntityID,
		Payload:        action.Payload,
		Fingerprint:    fp,
		SubmittedAt:    c.clock.Now(),
		State:          MutationApplied,

		AssumeDeliveredAfterTimeout: action.AssumeDeliveredAfterTimeout,
		done:                        make(chan struct{}),
	}
	predicted := action.Predicted
	if predicted == nil {
		predicted = action.Payload
	}
	c.store.Update(func(tx *Tx) {
		pm.before, pm.beforeExists = tx.Get(pm.ResourceType, pm.targetID())
		rec := Record{
			ResourceType: pm.ResourceType,
			EntityID:     pm.targetID(),
			Payload:      predicted,
			Optimistic:   true,
			UpdatedAt:    pm.SubmittedAt,
		}
		if pm.beforeExists {
			rec.Version = pm.before.Version
		}
		tx.Put(rec)
	})
	c.ledger.add(pm)
	return pm
}

// dispatch sends the mutation and resolves the ack/timeout race.
func (c *Coordinator) dispatch(ctx context.Context, pm *PendingMutation) (*Result, error) {
	body, err := json.Marshal(transport.MutateRequest{
		Action:         pm.Action,
		EntityID:       pm.EntityID,
		IdempotencyKey: pm.IdempotencyKey,
		Payload:        pm.Payload,
	})
	if err != nil {
		c.rollback(pm)
		return nil, fmt.Errorf("engine: encoding mutation: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	ack, err := c.transport.Request(reqCtx, transport.Envelope{
		Type:    transport.TypeMutate,
		Channel: pm.Channel,
		Payload: body,
	})

	switch {
	case err == nil:
		return c.settleAck(ctx, pm, ack)
	case errors.Is(err, transport.ErrAckTimeout) && ctx.Err() == nil:
		return c.settleTimeout(pm)
	case errors.Is(err, transport.ErrNotConnected):
		// The connection dropped with the mutation in flight. The
		// idempotency key makes a resend safe, so journal it for the
		// reconnect flush.
		return c.queueOffline(ctx, pm)
	default:
		c.rollback(pm)
		return nil, fmt.Errorf("engine: mutation %s: %w", pm.IdempotencyKey, err)
	}
}

func (c *Coordinator) settleAck(ctx context.Context, pm *PendingMutation, ack transport.Envelope) (*Result, error) {
	var result transport.MutateAck
	if err := json.Unmarshal(ack.Payload, &result); err != nil {
		c.rollback(pm)
		return nil, fmt.Errorf("engine: decoding mutation ack: %w", err)
	}
	if !result.Success {
		c.rollback(pm)
		serverErr := &transport.ServerError{Code: "MUTATION_REJECTED", Message: "mutation rejected"}
		if result.Error != nil {
			serverErr = &transport.ServerError{Code: result.Error.Code, Message: result.Error.Message}
		}
		c.logger.Warn("mutation rejected",
			"action", pm.Action, "key", pm.IdempotencyKey, "code", serverErr.Code)
		return nil, serverErr
	}
	c.confirm(ctx, pm, result.Entity)
	res := &Result{
		IdempotencyKey: pm.IdempotencyKey,
		LocalID:        pm.LocalID,
		EntityID:       pm.EntityID,
		State:          MutationConfirmed,
	}
	if result.Entity != nil {
		res.EntityID = result.Entity.EntityID
	}
	return res, nil
}

func (c *Coordinator) settleTimeout(pm *PendingMutation) (*Result, error) {
	if pm.AssumeDeliveredAfterTimeout {
		// Provisional commit: keep the applied state and clear the
		// pending flag. The entry stays in the ledger so a later
		// authoritative event can still promote or correct it.
		pm.State = MutationProvisional
		c.metrics.provisional.Add(1)
		pm.release()
		c.logger.Info("mutation provisionally committed after timeout",
			"action", pm.Action, "key", pm.IdempotencyKey)
		return &Result{
			IdempotencyKey: pm.IdempotencyKey,
			LocalID:        pm.LocalID,
			EntityID:       pm.EntityID,
			State:          MutationProvisional,
		}, nil
	}
	c.rollback(pm)
	return nil, fmt.Errorf("engine: mutation %s: %w", pm.IdempotencyKey, transport.ErrAckTimeout)
}

// confirm settles a pending mutation as acknowledged. When the ack
// carries the authoritative entity, the local placeholder is replaced
// by it; otherwise the optimistic record simply loses its pending
// flag. The reconciler may have promoted the entry first; in that
// case there is nothing left to do.
func (c *Coordinator) confirm(ctx context.Context, pm *PendingMutation, entity *transport.PushEvent) {
	if _, still := c.ledger.get(pm.IdempotencyKey); !still {
		return
	}
	c.store.Update(func(tx *Tx) {
		if entity != nil {
			if pm.targetID() != entity.EntityID {
				tx.Remove(pm.ResourceType, pm.targetID())
			}
			_, exists := tx.Get(pm.ResourceType, entity.EntityID)
			tx.Put(Record{
				ResourceType: pm.ResourceType,
				EntityID:     entity.EntityID,
				Version:      entity.Version,
				Payload:      entity.Payload,
				UpdatedAt:    c.clock.Now(),
			})
			if !exists {
				tx.AddCounter(pm.ResourceType+":total", 1)
			}
			return
		}
		rec, ok := tx.Get(pm.ResourceType, pm.targetID())
		if !ok {
			return
		}
		rec.Optimistic = false
		tx.Put(rec)
	})
	pm.State = MutationConfirmed
	c.ledger.remove(pm.IdempotencyKey)
	c.metrics.confirmed.Add(1)
	pm.release()
	if entity != nil && c.cache != nil && entity.Version > 0 {
		if _, err := c.cache.Write(ctx, cache.Entry{
			ResourceType:  pm.ResourceType,
			EntityID:      entity.EntityID,
			RemoteVersion: entity.Version,
			Payload:       entity.Payload,
		}); err != nil {
			c.logger.Warn("cache write failed", "entity_id", entity.EntityID, "error", err)
		}
	}
}

// rollback restores the pre-apply snapshot.
func (c *Coordinator) rollback(pm *PendingMutation) {
	if _, still := c.ledger.get(pm.IdempotencyKey); !still {
		return
	}
	c.store.Update(func(tx *Tx) {
		if pm.beforeExists {
			tx.Put(pm.before)
		} else {
			tx.Remove(pm.ResourceType, pm.targetID())
		}
	})
	pm.State = MutationRolledBack
	c.ledger.remove(pm.IdempotencyKey)
	c.metrics.rolledBack.Add(1)
	pm.release()
}

// queueOffline journals the mutation for the reconnect flush. The
// optimistic state stays applied and the entry stays pending.
func (c *Coordinator) queueOffline(ctx context.Context, pm *PendingMutation) (*Result, error) {
	if c.cache != nil {
		err := c.cache.Enqueue(ctx, cache.QueuedMutation{
			IdempotencyKey: pm.IdempotencyKey,
			Channel:        pm.Channel,
			Action:         pm.Action,
			ResourceType:   pm.ResourceType,
			EntityID:       pm.EntityID,
			LocalID:        pm.LocalID,
			Payload:        pm.Payload,
			SubmittedAt:    pm.SubmittedAt,
		})
		if err != nil {
			c.rollback(pm)
			return nil, fmt.Errorf("engine: journaling offline mutation: %w", err)
		}
	}
	c.metrics.queuedOffline.Add(1)
	c.logger.Info("mutation queued offline",
		"action", pm.Action, "key", pm.IdempotencyKey)
	return &Result{
		IdempotencyKey: pm.IdempotencyKey,
		LocalID:        pm.LocalID,
		EntityID:       pm.EntityID,
		State:          MutationApplied,
		Queued:         true,
	}, nil
}
