// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Record is one entity as the store holds it. Payload is opaque to the
// engine; the version is the server-assigned monotonic counter, zero
// while the record exists only as a local prediction.
type Record struct {
	ResourceType string
	EntityID     string
	Version      int64
	Deleted      bool
	Payload      json.RawMessage
	Optimistic   bool
	UpdatedAt    time.Time
}

// ChangeKind classifies a store notification.
type ChangeKind int

const (
	ChangeUpserted ChangeKind = iota
	ChangeRemoved
)

// Change is a lossy notification that a record was written or removed.
// Watchers that fall behind miss intermediate changes, never final
// state: re-reading the store always observes the latest record.
type Change struct {
	Kind         ChangeKind
	ResourceType string
	EntityID     string
	Version      int64
	Optimistic   bool
}

// Store holds all synchronized entities plus derived aggregate
// counters. Every write path goes through Update, which runs the whole
// transaction under one lock.
type Store struct {
	mu       sync.Mutex
	records  map[string]map[string]Record
	counters map[string]int64
	watchers []chan Change
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]map[string]Record),
		counters: make(map[string]int64),
	}
}

// Tx is the handle passed to an Update function. It is only valid for
// the duration of that call.
type Tx struct {
	store   *Store
	changes []Change
}

// Update runs fn as one serialized transaction. Notifications for the
// writes fn performed are published after the lock is released, in
// write order.
func (s *Store) Update(fn func(tx *Tx)) {
	s.mu.Lock()
	tx := &Tx{store: s}
	fn(tx)
	s.mu.Unlock()
	for _, ch := range tx.changes {
		s.notify(ch)
	}
}

// Get returns the record for (resourceType, entityID).
func (s *Store) Get(resourceType, entityID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[resourceType][entityID]
	return rec, ok
}

// List returns all records of a resource type, ordered by entity id.
func (s *Store) List(resourceType string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.records[resourceType]
	out := make([]Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Counter returns the named aggregate counter.
func (s *Store) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Watch registers a change listener. The returned channel is buffered
// and lossy; cancel deregisters it.
func (s *Store) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(change Change) {
	s.mu.Lock()
	watchers := make([]chan Change, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()
	for _, w := range watchers {
		select {
		case w <- change:
		default:
			// Drop the oldest so the channel always carries the
			// most recent changes.
			select {
			case <-w:
			default:
			}
			select {
			case w <- change:
			default:
			}
		}
	}
}

// Get reads a record inside the transaction.
func (tx *Tx) Get(resourceType, entityID string) (Record, bool) {
	rec, ok := tx.store.records[resourceType][entityID]
	return rec, ok
}

// Put writes a record.
func (tx *Tx) Put(rec Record) {
	byID := tx.store.records[rec.ResourceType]
	if byID == nil {
		byID = make(map[string]Record)
		tx.store.records[rec.ResourceType] = byID
	}
	byID[rec.EntityID] = rec
	tx.changes = append(tx.changes, Change{
		Kind:         ChangeUpserted,
		ResourceType: rec.ResourceType,
		EntityID:     rec.EntityID,
		Version:      rec.Version,
		Optimistic:   rec.Optimistic,
	})
}

// Remove deletes a record if present.
func (tx *Tx) Remove(resourceType, entityID string) {
	byID := tx.store.records[resourceType]
	if _, ok := byID[entityID]; !ok {
		return
	}
	delete(byID, entityID)
	tx.changes = append(tx.changes, Change{
		Kind:         ChangeRemoved,
		ResourceType: resourceType,
		EntityID:     entityID,
	})
}

// AddCounter adjusts a named aggregate counter.
func (tx *Tx) AddCounter(name string, delta int64) {
	tx.store.counters[name] += delta
}
