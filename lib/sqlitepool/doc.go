// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool backing the
// offline cache.
//
// It wraps zombiezen.com/go/sqlite with defaults tuned for a client
// cache: WAL journal mode so the UI's reads never block a sync write,
// NORMAL synchronous (entries survive a process crash; the server is
// the source of truth, so OS-crash durability is not worth an fsync
// per commit), and a busy timeout instead of immediate SQLITE_BUSY.
//
// Callers [Pool.Take] a connection, work, and [Pool.Put] it back.
// Connections are not safe for concurrent use; each goroutine holds
// its own for the duration of its work.
package sqlitepool
