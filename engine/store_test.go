// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pulselive/realtime/lib/testutil"
)

func TestStoreUpdateIsAtomic(t *testing.T) {
	s := NewStore()

	// Two goroutines hammer the same counter through read-modify-write
	// transactions; serialization means no increment is lost.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Update(func(tx *Tx) {
					tx.AddCounter("lead:total", 1)
				})
			}
		}()
	}
	wg.Wait()
	if got := s.Counter("lead:total"); got != 1000 {
		t.Errorf("counter = %d, want 1000", got)
	}
}

func TestStoreListOrdersByEntityID(t *testing.T) {
	s := NewStore()
	s.Update(func(tx *Tx) {
		for _, id := range []string{"c", "a", "b"} {
			tx.Put(Record{ResourceType: "lead", EntityID: id})
		}
	})
	recs := s.List("lead")
	if len(recs) != 3 || recs[0].EntityID != "a" || recs[2].EntityID != "c" {
		t.Errorf("List order = %v", recs)
	}
}

func TestStoreWatchDeliversChanges(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Watch()
	defer cancel()

	s.Update(func(tx *Tx) {
		tx.Put(Record{ResourceType: "lead", EntityID: "lead-1", Version: 2,
			Payload: json.RawMessage(`{}`)})
	})
	change := testutil.RequireReceive(t, ch, 5*time.Second, "upsert change")
	if change.Kind != ChangeUpserted || change.EntityID != "lead-1" || change.Version != 2 {
		t.Errorf("change = %+v", change)
	}

	s.Update(func(tx *Tx) { tx.Remove("lead", "lead-1") })
	change = testutil.RequireReceive(t, ch, 5*time.Second, "remove change")
	if change.Kind != ChangeRemoved {
		t.Errorf("change = %+v, want removal", change)
	}

	cancel()
	s.Update(func(tx *Tx) {
		tx.Put(Record{ResourceType: "lead", EntityID: "lead-2"})
	})
	testutil.RequireNoReceive(t, ch, 100*time.Millisecond, "change after cancel")
}

func TestStoreRemoveMissingIsNoop(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Watch()
	defer cancel()
	s.Update(func(tx *Tx) { tx.Remove("lead", "nope") })
	testutil.RequireNoReceive(t, ch, 100*time.Millisecond, "notification for missing removal")
}
