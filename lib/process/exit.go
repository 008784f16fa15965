// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"syscall"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Arbor binary entrypoint error handler. Use it in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitStatus describes how a supervised child terminated: either a
// normal exit with a code, or death by signal.
type ExitStatus struct {
	// Code is the exit code for a normal exit. Meaningless when
	// Signaled is true.
	Code int

	// Signaled reports whether the process was terminated by a
	// signal.
	Signaled bool

	// Signal is the terminating signal when Signaled is true.
	Signal syscall.Signal
}

// Success reports whether the child exited normally with code zero.
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0
}

// String renders the status for log lines: "exit code 3" or
// "signal SIGKILL".
func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %s", unixSignalName(s.Signal))
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// StatusFromState extracts the exit status from a finished
// os.ProcessState. The state must come from a Wait on a terminated
// child.
func StatusFromState(state *os.ProcessState) ExitStatus {
	waitStatus, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		// Non-Unix platform or synthetic state; fall back to the
		// portable exit code.
		return ExitStatus{Code: state.ExitCode()}
	}
	if waitStatus.Signaled() {
		return ExitStatus{Signaled: true, Signal: waitStatus.Signal()}
	}
	return ExitStatus{Code: waitStatus.ExitStatus()}
}

// unixSignalName returns the conventional name for a signal, falling
// back to its number for signals without one.
func unixSignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("signal(%d)", int(sig))
	}
}
