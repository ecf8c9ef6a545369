// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Pulse's standard CBOR encoding configuration.
//
// Pulse uses two serialization formats with a clear boundary:
//
//   - JSON for the wire: the sync channel's message envelope and the
//     entity payloads the server pushes are JSON, matching the
//     platform's web clients.
//   - CBOR for local durable state: offline cache entries and the
//     queued-mutation journal are CBOR on disk.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, which is
// what lets the reconciler fingerprint payloads for correlation
// matching and the cache detect unchanged entities without a deep
// compare.
package codec
