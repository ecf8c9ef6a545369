// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the Clock backed by the standard time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}
