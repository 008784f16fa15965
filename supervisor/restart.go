// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "time"

// restartPolicy holds the backoff parameters for one process: its own
// restart timeout plus the daemon-wide stability and cap settings.
type restartPolicy struct {
	// restartTimeout is the minimum exit-to-relaunch delay.
	restartTimeout time.Duration

	// stability is the runtime after which an exit resets the
	// failure counter instead of incrementing it.
	stability time.Duration

	// maxBackoff caps the exponential delay growth.
	maxBackoff time.Duration

	// failAfter is the consecutive-failure count at which the
	// process is reported failed. Zero disables the report.
	failAfter int
}

// restartState is the per-identity counter block. It survives
// relaunches of the same spec and is discarded only when the spec is
// removed or replaced.
type restartState struct {
	failures int
	failed   bool
	lastExit time.Time
}

// onExit folds one exit into the state and returns the delay before
// the next launch attempt, plus whether the process just crossed into
// the failed state (for a one-time log report).
//
// The delay is always at least restartTimeout and grows by doubling
// per consecutive failure up to maxBackoff, so rapid crash loops are
// throttled but a single crash restarts promptly. A failed process is
// not locked out: it keeps retrying at maxBackoff indefinitely.
func (p restartPolicy) onExit(state *restartState, runtime time.Duration, now time.Time) (delay time.Duration, becameFailed bool) {
	if runtime >= p.stability {
		state.failures = 0
		state.failed = false
	} else {
		state.failures++
	}
	state.lastExit = now

	delay = p.restartTimeout
	for i := 1; i < state.failures && delay < p.maxBackoff; i++ {
		delay *= 2
	}
	if delay > p.maxBackoff {
		delay = p.maxBackoff
	}
	if delay < p.restartTimeout {
		delay = p.restartTimeout
	}

	if !state.failed && p.failAfter > 0 && state.failures >= p.failAfter {
		state.failed = true
		becameFailed = true
	}
	return delay, becameFailed
}
