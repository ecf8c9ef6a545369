// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// State is the connection-level state. Mutated only inside the
// manager's connect, disconnect, and error paths.
type State int

const (
	// Disconnected means no socket and no reconnect in flight. With
	// Status.ManualRetryRequired set, the retry budget is spent and
	// only RetryNow leaves this state.
	Disconnected State = iota

	// Connecting means a dial or a scheduled reconnect is in flight.
	Connecting

	// Connected means the socket is up and authenticated, but no
	// channel has been joined on it yet.
	Connected

	// Joining means a join request is awaiting its ack.
	Joining

	// Joined means at least one channel subscription is live.
	Joined

	// Degraded means the socket is nominally up but the last
	// heartbeat went unanswered; teardown and reconnect are imminent.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Live reports whether the socket is usable for sends.
func (s State) Live() bool {
	return s == Connected || s == Joining || s == Joined
}

// Status is a point-in-time view of the connection.
type Status struct {
	State State

	// ManualRetryRequired is set when automatic reconnection has
	// given up. The UI should present an explicit retry control.
	ManualRetryRequired bool

	// Reason carries the last disconnect or error description, for
	// display. Empty while healthy.
	Reason string
}
