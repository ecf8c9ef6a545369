// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Pulse packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual
// tests do not hang forever when an expected channel delivery never
// happens. These helpers are the only place in the test suite that
// uses real wall-clock timeouts; everything else runs on a fake
// clock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since a failed delivery leaves nothing for the test to recover.
//
// This package has no Pulse-internal dependencies.
package testutil
