// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is the durable local store behind the sync engine.
//
// It persists two things across process restarts:
//
//   - Entity entries, keyed by (resource type, entity id), each
//     carrying the server's monotonic remote version. A write at a
//     version at or below the stored one is silently discarded, so
//     the cache never regresses once newer data has been observed,
//     regardless of the order events arrive in.
//   - The queued-mutation journal: mutations submitted while the
//     connection was down, in submission order, flushed by the engine
//     on reconnect.
//
// Entries serve the first paint before any network round-trip and are
// the sole data source while the connection is down. Each write is a
// single SQLite statement, so a concurrent read sees either the old
// entry or the new one, never a torn mix.
//
// Large payloads are transparently zstd-compressed on disk; callers
// always see plain bytes.
package cache
