// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor is the Arbor engine: a single control goroutine
// that owns the registry of running sandboxed processes, reconciles it
// against declarative configuration snapshots, launches children
// through arbor-shim, reaps their exits, and schedules relaunches with
// backoff.
//
// All registry mutations happen on the control goroutine. External
// inputs — config reloads, child exits, due backoff timers — arrive as
// events on channels, giving a total order over state transitions with
// no locks on the registry.
package supervisor
