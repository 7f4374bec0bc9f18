// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import "time"

// Scheduler runs fn once, later. The returned func cancels it if it has
// not run yet. Implementations must never call fn synchronously from
// Schedule.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// RefreshScheduler fires once per display refresh at the given rate.
type RefreshScheduler struct {
	Interval time.Duration
}

// NewRefreshScheduler returns a scheduler ticking at hz frames per second.
func NewRefreshScheduler(hz int) RefreshScheduler {
	if hz <= 0 {
		hz = 60
	}
	return RefreshScheduler{Interval: time.Second / time.Duration(hz)}
}

func (r RefreshScheduler) Schedule(fn func()) func() {
	t := time.AfterFunc(r.Interval, fn)
	return func() { t.Stop() }
}
