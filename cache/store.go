// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pulselive/realtime/lib/clock"
	"github.com/pulselive/realtime/lib/sqlitepool"
)

// compressThreshold is the payload size in bytes above which entries
// are zstd-compressed on disk. Small payloads (reactions, presence)
// are stored raw; session snapshots and agenda bundles compress well.
const compressThreshold = 4096

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	resource_type  TEXT    NOT NULL,
	entity_id      TEXT    NOT NULL,
	remote_version INTEGER NOT NULL,
	local_version  INTEGER NOT NULL,
	synced_at      INTEGER NOT NULL,
	compressed     INTEGER NOT NULL DEFAULT 0,
	payload        BLOB    NOT NULL,
	PRIMARY KEY (resource_type, entity_id)
);

CREATE TABLE IF NOT EXISTS mutation_journal (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT    NOT NULL UNIQUE,
	record          BLOB    NOT NULL
);
`

// Entry is one cached entity with its version bookkeeping.
type Entry struct {
	// ResourceType namespaces the entity id (e.g., "lead",
	// "incident", "slide-state").
	ResourceType string

	// EntityID is the server-assigned entity identifier.
	EntityID string

	// Payload is the opaque entity payload as last received.
	Payload []byte

	// LocalVersion counts optimistic local applies since the last
	// authoritative write. Zero when the entry matches the server.
	LocalVersion int64

	// RemoteVersion is the server's monotonic version for the entity.
	RemoteVersion int64

	// LastSyncedAt is when the entry was last written from an
	// authoritative source.
	LastSyncedAt time.Time
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// Clock provides timestamps for sync bookkeeping and retention.
	// Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the durable entity cache and mutation journal. Safe for
// concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens (creating if necessary) the cache database at cfg.Path.
// The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache: Path is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: zstd decoder: %w", err)
	}

	return &Store{
		pool:    pool,
		clock:   clk,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the underlying pool. Pending Take calls fail after
// Close.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.pool.Close()
}

// Write stores entry if its RemoteVersion is strictly newer than the
// stored one. It reports whether the write was applied; a false
// return with nil error means the entry on disk is already at or past
// this version (stale delivery, absorbed silently).
//
// The version guard lives in the UPSERT itself, so the check and the
// write are one atomic statement even with multiple writers.
func (s *Store) Write(ctx context.Context, entry Entry) (bool, error) {
	if entry.ResourceType == "" || entry.EntityID == "" {
		return false, fmt.Errorf("cache: Write requires ResourceType and EntityID")
	}

	payload := entry.Payload
	compressed := false
	if len(payload) > compressThreshold {
		payload = s.encoder.EncodeAll(payload, nil)
		compressed = true
	}

	syncedAt := entry.LastSyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.clock.Now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO entries (resource_type, entity_id, remote_version, local_version, synced_at, compressed, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, entity_id) DO UPDATE SET
			remote_version = excluded.remote_version,
			local_version  = excluded.local_version,
			synced_at      = excluded.synced_at,
			compressed     = excluded.compressed,
			payload        = excluded.payload
		WHERE excluded.remote_version > entries.remote_version`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.ResourceType,
				entry.EntityID,
				entry.RemoteVersion,
				entry.LocalVersion,
				syncedAt.UnixMilli(),
				boolToInt(compressed),
				payload,
			},
		})
	if err != nil {
		return false, fmt.Errorf("cache: writing %s/%s: %w", entry.ResourceType, entry.EntityID, err)
	}

	applied := conn.Changes() > 0
	if !applied {
		s.logger.Debug("cache write discarded as stale",
			"resource_type", entry.ResourceType,
			"entity_id", entry.EntityID,
			"remote_version", entry.RemoteVersion,
		)
	}
	return applied, nil
}

// Read returns the entry for (resourceType, entityID), or nil if the
// cache has never seen it.
func (s *Store) Read(ctx context.Context, resourceType, entityID string) (*Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	var entry *Entry
	err = sqlitex.Execute(conn, `
		SELECT remote_version, local_version, synced_at, compressed, payload
		FROM entries WHERE resource_type = ? AND entity_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{resourceType, entityID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := s.rowToEntry(stmt, resourceType, entityID)
				if err != nil {
					return err
				}
				entry = e
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s/%s: %w", resourceType, entityID, err)
	}
	return entry, nil
}

// ReadAll returns every cached entry for the resource type, in
// entity-id order. Serves the first paint of a list view.
func (s *Store) ReadAll(ctx context.Context, resourceType string) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT entity_id, remote_version, local_version, synced_at, compressed, payload
		FROM entries WHERE resource_type = ? ORDER BY entity_id`,
		&sqlitex.ExecOptions{
			Args: []any{resourceType},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entityID := stmt.ColumnText(0)
				entry, err := s.columnsToEntry(stmt, 1, resourceType, entityID)
				if err != nil {
					return err
				}
				entries = append(entries, *entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: reading all %s: %w", resourceType, err)
	}
	return entries, nil
}

// Delete removes the entry for (resourceType, entityID). Deleting an
// absent entry is not an error.
func (s *Store) Delete(ctx context.Context, resourceType, entityID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM entries WHERE resource_type = ? AND entity_id = ?`,
		&sqlitex.ExecOptions{Args: []any{resourceType, entityID}})
	if err != nil {
		return fmt.Errorf("cache: deleting %s/%s: %w", resourceType, entityID, err)
	}
	return nil
}

// Sweep deletes entries whose last sync is older than maxAge and
// returns the number removed. Run periodically so a cache for events
// the user no longer attends does not grow without bound.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
	err = sqlitex.Execute(conn, `DELETE FROM entries WHERE synced_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}

	removed := conn.Changes()
	if removed > 0 {
		s.logger.Info("cache sweep removed stale entries",
			"removed", removed,
			"max_age", maxAge,
		)
	}
	return removed, nil
}

func (s *Store) rowToEntry(stmt *sqlite.Stmt, resourceType, entityID string) (*Entry, error) {
	return s.columnsToEntry(stmt, 0, resourceType, entityID)
}

// columnsToEntry reads (remote_version, local_version, synced_at,
// compressed, payload) starting at column offset.
func (s *Store) columnsToEntry(stmt *sqlite.Stmt, offset int, resourceType, entityID string) (*Entry, error) {
	entry := &Entry{
		ResourceType:  resourceType,
		EntityID:      entityID,
		RemoteVersion: stmt.ColumnInt64(offset),
		LocalVersion:  stmt.ColumnInt64(offset + 1),
		LastSyncedAt:  time.UnixMilli(stmt.ColumnInt64(offset + 2)),
	}

	payload := make([]byte, stmt.ColumnLen(offset+4))
	stmt.ColumnBytes(offset+4, payload)

	if stmt.ColumnInt(offset+3) != 0 {
		decoded, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s/%s: %w", resourceType, entityID, err)
		}
		payload = decoded
	}
	entry.Payload = payload
	return entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
