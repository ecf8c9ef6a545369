// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

var (
	// ErrRateLimited means the local gate refused the action before
	// any network activity. Synchronous; try again later.
	ErrRateLimited = errors.New("engine: rate limited")

	// ErrDuplicate means an identical mutation is already pending and
	// the action is declared idempotent, so the duplicate was dropped.
	ErrDuplicate = errors.New("engine: duplicate of pending mutation")

	// ErrEngineClosed means the engine has been torn down.
	ErrEngineClosed = errors.New("engine: closed")

	// ErrNotJoined means a mutation targeted a channel the engine has
	// not joined.
	ErrNotJoined = errors.New("engine: channel not joined")
)
