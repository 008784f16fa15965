// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance it deterministically.
//
// Code that would call time.Now, time.After, or time.AfterFunc takes a
// Clock (or is a method on a struct carrying one) instead of calling
// the time package directly. The supervisor's backoff and shutdown
// timers all go through this interface.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call via Stop. If d <= 0, f runs
	// immediately: in a new goroutine for the real clock,
	// synchronously for the fake.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled one-shot event created by AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
