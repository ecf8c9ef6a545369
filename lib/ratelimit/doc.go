// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates client-originated high-frequency actions
// (reactions, presence pings) before they reach the wire.
//
// Each action key carries two independent gates: a sliding one-second
// window and a longer fixed burst window. An action is admitted only
// when both gates have room, and a rejected action charges neither
// gate. Rejection is a local synchronous refusal; nothing touches
// the network.
//
// Inbound events are never limited; this package exists purely to
// keep one enthusiastic client from flooding the server.
package ratelimit
