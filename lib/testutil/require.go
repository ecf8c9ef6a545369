// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// failer is the subset of *testing.T these helpers need. Accepting an
// interface keeps the package usable from both tests and benchmarks.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	state := testutil.RequireReceive(t, states, 5*time.Second, "waiting for state change")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", message(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, message(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver a value) within
// timeout, or fails the test. Use for done channels that signal by
// closing.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, message(msgAndArgs))
	}
}

// RequireNoReceive asserts that ch stays silent for the full window.
// Use sparingly: it costs the window in real time on every run.
func RequireNoReceive[T any](t failer, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, message(msgAndArgs))
	case <-time.After(window):
	}
}

func message(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "(no message)"
	case 1:
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
