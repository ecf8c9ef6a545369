// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// ServerError is a structured rejection from the gateway, extracted
// from an ack's error body. Callers use errors.As:
//
//	var serverErr *transport.ServerError
//	if errors.As(err, &serverErr) {
//	    if serverErr.Code == transport.ErrCodeForbidden { ... }
//	}
type ServerError struct {
	// Code is the gateway error code (e.g., "FORBIDDEN").
	Code string

	// Message is the human-readable description from the server.
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server rejected request: %s: %s", e.Code, e.Message)
}

// Gateway error codes the engine cares about.
const (
	// ErrCodeForbidden means the credential is not authorized for the
	// channel. Fatal for that channel; never retried.
	ErrCodeForbidden = "FORBIDDEN"

	// ErrCodeNotFound means the channel or entity does not exist.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeInvalid means the server rejected the mutation payload.
	ErrCodeInvalid = "INVALID_PAYLOAD"

	// ErrCodeConflict means the mutation lost a version race.
	ErrCodeConflict = "VERSION_CONFLICT"
)

// IsServerError reports whether err is a *ServerError with the given
// code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr) && serverErr.Code == code
}

// Sentinel errors for local conditions.
var (
	// ErrNotConnected means Send or Request was called while the
	// channel is down. The caller decides whether to queue or fail.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed means the manager has been torn down.
	ErrClosed = errors.New("transport: manager closed")

	// ErrAckTimeout means the server did not acknowledge a request
	// within its deadline.
	ErrAckTimeout = errors.New("transport: acknowledgment timeout")

	// ErrRetriesExhausted means the reconnect budget is spent and the
	// manager is parked awaiting a manual retry.
	ErrRetriesExhausted = errors.New("transport: reconnect retries exhausted")
)
