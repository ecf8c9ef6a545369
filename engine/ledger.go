// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"sync"
	"time"
)

// MutationState tracks one submitted mutation through its lifecycle.
type MutationState int

const (
	// MutationIdle is the zero state before the optimistic apply.
	MutationIdle MutationState = iota
	// MutationApplied means the predicted result is in the store and
	// the mutation awaits its acknowledgment.
	MutationApplied
	// MutationConfirmed means the server acknowledged success.
	MutationConfirmed
	// MutationRolledBack means the mutation failed and the store was
	// restored to its pre-apply snapshot.
	MutationRolledBack
	// MutationProvisional means the acknowledgment timed out and the
	// mutation was declared delivered anyway; a later authoritative
	// event may still correct the record.
	MutationProvisional
)

func (s MutationState) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationApplied:
		return "applied"
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled_back"
	case MutationProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// PendingMutation is the ledger entry for one in-flight mutation. It
// captures enough to roll back (the pre-apply snapshot) and enough to
// be matched by an authoritative event that arrives before or instead
// of the acknowledgment (local id, idempotency key, fingerprint).
type PendingMutation struct {
	LocalID        string
	IdempotencyKey string
	Channel        string
	Action         string
	ResourceType   string
	EntityID       string
	Payload        json.RawMessage
	Fingerprint    string
	SubmittedAt    time.Time
	State          MutationState

	// AssumeDeliveredAfterTimeout selects the provisional-commit
	// timeout policy for this mutation.
	AssumeDeliveredAfterTimeout bool

	// Pre-apply snapshot. beforeExists false means the optimistic
	// apply inserted a brand-new record.
	before       Record
	beforeExists bool

	// done is closed once the mutation reaches a terminal or
	// provisional state. Serialized duplicates wait on it.
	done     chan struct{}
	doneOnce sync.Once
}

// release signals waiters that the mutation resolved. Safe to call
// from both the coordinator and the reconciler; only the first call
// closes the channel.
func (pm *PendingMutation) release() {
	pm.doneOnce.Do(func() { close(pm.done) })
}

// provisionalRetention bounds how long a provisionally committed entry
// waits in the ledger for the authoritative event that may correct it.
// Past this age the entry is dropped; the record it left behind stands
// until reconciliation says otherwise.
const provisionalRetention = 5 * time.Minute

// logicalKey identifies "the same action against the same target" for
// duplicate submission checks.
func logicalKey(channel, action, entityID string) string {
	return channel + "\x00" + action + "\x00" + entityID
}

// targetID is the store key the optimistic record lives under: the
// server-assigned entity id when known, the local id for creates.
func (pm *PendingMutation) targetID() string {
	if pm.EntityID != "" {
		return pm.EntityID
	}
	return pm.LocalID
}

// ledger indexes pending mutations by idempotency key and keeps
// submission order for duplicate serialization and offline flushing.
type ledger struct {
	mu    sync.Mutex
	byKey map[string]*PendingMutation
	order []string
}

func newLedger() *ledger {
	return &ledger{byKey: make(map[string]*PendingMutation)}
}

func (l *ledger) add(pm *PendingMutation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[pm.IdempotencyKey]; ok {
		return
	}
	l.byKey[pm.IdempotencyKey] = pm
	l.order = append(l.order, pm.IdempotencyKey)
}

func (l *ledger) get(idempotencyKey string) (*PendingMutation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pm, ok := l.byKey[idempotencyKey]
	return pm, ok
}

func (l *ledger) remove(idempotencyKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[idempotencyKey]; !ok {
		return
	}
	delete(l.byKey, idempotencyKey)
	for i, key := range l.order {
		if key == idempotencyKey {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

// removeAndRelease drops the entry and wakes anything serialized
// behind it.
func (l *ledger) removeAndRelease(pm *PendingMutation) {
	l.remove(pm.IdempotencyKey)
	pm.release()
}

// matchCorrelation finds a pending mutation by the server-echoed
// correlation id (the idempotency key or local id), falling back to
// the content fingerprint for servers that echo neither. Fingerprint
// matches are only honored within the recency window; content alone
// is too weak a signal once the entry has gone stale.
func (l *ledger) matchCorrelation(correlationID, fingerprint string, now time.Time, recency time.Duration) (*PendingMutation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if correlationID != "" {
		for _, key := range l.order {
			pm := l.byKey[key]
			if pm.IdempotencyKey == correlationID || pm.LocalID == correlationID {
				return pm, true
			}
		}
	}
	if fingerprint == "" {
		return nil, false
	}
	for _, key := range l.order {
		pm := l.byKey[key]
		if pm.Fingerprint == fingerprint && now.Sub(pm.SubmittedAt) <= recency {
			return pm, true
		}
	}
	return nil, false
}

// matchDuplicate finds a pending mutation that is logically the same
// action: identical channel/action/entity target, or for creations
// with no target id, identical content.
func (l *ledger) matchDuplicate(channel, action, entityID, fp string) (*PendingMutation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	want := logicalKey(channel, action, entityID)
	for _, key := range l.order {
		pm := l.byKey[key]
		if pm.State != MutationApplied {
			continue
		}
		if entityID != "" {
			if logicalKey(pm.Channel, pm.Action, pm.EntityID) == want {
				return pm, true
			}
			continue
		}
		if pm.Channel == channel && pm.Action == action && pm.EntityID == "" && pm.Fingerprint == fp {
			return pm, true
		}
	}
	return nil, false
}

// sweepProvisional drops provisional entries older than the retention
// window. Applied entries are never swept; they resolve through the
// coordinator.
func (l *ledger) sweepProvisional(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.order[:0]
	for _, key := range l.order {
		pm := l.byKey[key]
		if pm.State == MutationProvisional && now.Sub(pm.SubmittedAt) > provisionalRetention {
			delete(l.byKey, key)
			continue
		}
		kept = append(kept, key)
	}
	l.order = kept
}

// pendingKeys returns the idempotency keys still awaiting resolution,
// oldest first.
func (l *ledger) pendingKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
