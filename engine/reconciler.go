// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pulselive/realtime/cache"
	"github.com/pulselive/realtime/lib/clock"
	"github.com/pulselive/realtime/transport"
)

const (
	// correlationRecency bounds how old a pending mutation may be and
	// still be matched by content fingerprint alone.
	correlationRecency = 30 * time.Second

	// processedEventLimit bounds the duplicate-delivery cache. Push
	// channels are at-least-once; anything older than this many
	// events is covered by the version check instead.
	processedEventLimit = 4096
)

// fingerprint derives the correlation fingerprint for a mutation or
// event payload on a channel. The server assigns entity ids, so an
// optimistic create can only be tied to its authoritative echo by
// content.
func fingerprint(channel string, payload []byte) string {
	h := blake3.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Reconciler is the single writer of authoritative state. Every push
// event funnels through Apply, which matches it against pending
// optimistic entries, enforces version monotonicity, and mirrors
// confirmed state into the offline cache.
type Reconciler struct {
	store   *Store
	ledger  *ledger
	cache   *cache.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	// mu serializes Apply. Events arrive on the connection loop, but
	// join snapshots replay through here from the joining goroutine.
	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
}

func newReconciler(store *Store, ledger *ledger, cacheStore *cache.Store, clk clock.Clock, logger *slog.Logger, metrics *Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		cache:   cacheStore,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		seen:    make(map[string]struct{}),
	}
}

// Apply merges one authoritative event into the store. Replaying the
// same event id is a no-op for both entities and counters.
func (r *Reconciler) Apply(ctx context.Context, channel string, ev transport.PushEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.EventID != "" {
		if _, dup := r.seen[ev.EventID]; dup {
			r.metrics.replayed.Add(1)
			return
		}
		r.markSeen(ev.EventID)
	}

	resourceType := ev.ResourceType
	if resourceType == "" {
		resourceType = channel
	}
	now := r.clock.Now()
	r.ledger.sweepProvisional(now)
	written := false

	r.store.Update(func(tx *Tx) {
		// Matching order: a known entity id wins, then a pending
		// optimistic entry by correlation, then insert as new.
		existing, exists := tx.Get(resourceType, ev.EntityID)
		if exists {
			// Version decides, not delivery order. An optimistic record
			// admits an event at its base version so the server echo can
			// settle the prediction, but never anything older.
			stale := ev.Version < existing.Version ||
				(!existing.Optimistic && ev.Version == existing.Version)
			if stale {
				r.logger.Debug("discarding stale event",
					"entity_id", ev.EntityID, "version", ev.Version, "have", existing.Version)
				return
			}
			if ev.Deleted {
				tx.Remove(resourceType, ev.EntityID)
				tx.AddCounter(resourceType+":total", -1)
			} else {
				tx.Put(Record{
					ResourceType: resourceType,
					EntityID:     ev.EntityID,
					Version:      ev.Version,
					Payload:      ev.Payload,
					UpdatedAt:    now,
				})
			}
			// An event that names its provoking mutation settles it.
			if pm, ok := r.ledger.matchCorrelation(ev.CorrelationID, "", now, 0); ok {
				pm.State = MutationConfirmed
				r.ledger.removeAndRelease(pm)
			}
			written = true
			return
		}

		if pm, matched := r.ledger.matchCorrelation(ev.CorrelationID, fingerprint(channel, ev.Payload), now, correlationRecency); matched {
			written = r.promote(tx, pm, resourceType, ev, now)
			return
		}

		if ev.Deleted {
			// Delete for an entity never seen; record the event id and
			// move on.
			return
		}
		tx.Put(Record{
			ResourceType: resourceType,
			EntityID:     ev.EntityID,
			Version:      ev.Version,
			Payload:      ev.Payload,
			UpdatedAt:    now,
		})
		tx.AddCounter(resourceType+":total", 1)
		written = true
	})

	if written {
		r.metrics.reconciled.Add(1)
		r.mirror(ctx, resourceType, ev)
	}
}

// promote replaces a pending mutation's optimistic record with the
// authoritative one, swapping the local id for the server-assigned id.
// The mutation is settled as confirmed; a coordinator still waiting on
// the acknowledgment will find it gone and treat it as resolved.
func (r *Reconciler) promote(tx *Tx, pm *PendingMutation, resourceType string, ev transport.PushEvent, now time.Time) bool {
	localKey := pm.targetID()
	if localKey != ev.EntityID {
		tx.Remove(pm.ResourceType, localKey)
	}
	if ev.Deleted {
		if _, exists := tx.Get(resourceType, ev.EntityID); exists {
			tx.Remove(resourceType, ev.EntityID)
			tx.AddCounter(resourceType+":total", -1)
		}
	} else {
		_, exists := tx.Get(resourceType, ev.EntityID)
		tx.Put(Record{
			ResourceType: resourceType,
			EntityID:     ev.EntityID,
			Version:      ev.Version,
			Payload:      ev.Payload,
			UpdatedAt:    now,
		})
		if !exists {
			tx.AddCounter(resourceType+":total", 1)
		}
	}
	pm.State = MutationConfirmed
	r.ledger.removeAndRelease(pm)
	r.logger.Debug("promoted optimistic entry",
		"local_id", localKey, "entity_id", ev.EntityID, "key", pm.IdempotencyKey)
	return true
}

func (r *Reconciler) mirror(ctx context.Context, resourceType string, ev transport.PushEvent) {
	if r.cache == nil || ev.Version <= 0 {
		return
	}
	if ev.Deleted {
		if err := r.cache.Delete(ctx, resourceType, ev.EntityID); err != nil {
			r.logger.Warn("cache delete failed", "entity_id", ev.EntityID, "error", err)
		}
		return
	}
	_, err := r.cache.Write(ctx, cache.Entry{
		ResourceType:  resourceType,
		EntityID:      ev.EntityID,
		RemoteVersion: ev.Version,
		Payload:       ev.Payload,
	})
	if err != nil {
		r.logger.Warn("cache write failed", "entity_id", ev.EntityID, "error", err)
	}
}

func (r *Reconciler) markSeen(eventID string) {
	if len(r.seenRing) >= processedEventLimit {
		oldest := r.seenRing[0]
		r.seenRing = r.seenRing[1:]
		delete(r.seen, oldest)
	}
	r.seen[eventID] = struct{}{}
	r.seenRing = append(r.seenRing, eventID)
}
