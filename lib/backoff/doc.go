// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff provides the bounded exponential retry scheduler
// used for reconnection and channel re-join attempts.
//
// A [Scheduler] owns at most one outstanding retry timer. Concurrent
// failure reports coalesce into that single timer instead of stacking
// retries. After the attempt budget is spent the scheduler refuses to
// arm further timers and reports itself exhausted, so callers can
// surface a manual "retry" control instead of looping silently.
package backoff
