// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts timer and wall-clock operations so that the
// sync engine's retry delays, acknowledgment timeouts, rate-limit
// windows, and polling intervals are all deterministic under test.
//
// Production code injects Real(). Tests inject Fake(start) and drive
// time forward with Advance, which fires pending timers in deadline
// order. WaitForTimers closes the race between a goroutine arming a
// timer and the test advancing past its deadline.
package clock
