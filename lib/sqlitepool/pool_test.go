// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pulselive/realtime/lib/sqlitepool"
)

func openTestPool(t *testing.T, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "cache.db"),
		PoolSize:  2,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openTestPool(t, nil)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS entries (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL
			);
		`, nil)
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO entries (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"lead:1", []byte("payload")},
	})
	if err != nil {
		t.Fatalf("INSERT into OnConnect-created table: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Error("Open with empty Path succeeded, want error")
	}
}
