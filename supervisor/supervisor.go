// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"github.com/arbor-run/arbor/lib/clock"
	"github.com/arbor-run/arbor/lib/config"
	"github.com/arbor-run/arbor/lib/process"
)

// launchID identifies one spawn attempt. Exit events carry the launch
// id rather than the Identity so that a draining old process and its
// replacement under the same Identity can never be confused.
type launchID uint64

// exitEvent is one reaped child.
type exitEvent struct {
	launch launchID
	status process.ExitStatus
	err    error // non-nil when the reap itself failed
}

// reloadRequest carries a validated configuration snapshot.
type reloadRequest struct {
	sandboxes map[string]*config.SandboxConfig
}

// entry is the registry record for one process Identity. It persists
// across relaunches of the same spec (carrying the restart counters)
// and is discarded when the spec is removed or replaced.
type entry struct {
	id      Identity
	digest  string
	sandbox *config.SandboxConfig
	spec    config.ProcessSpec
	policy  restartPolicy
	restart restartState

	// launch/handle/startedAt describe the live child, if any.
	launch    launchID
	handle    Handle
	startedAt time.Time

	// timer is the pending backoff relaunch, if any. Canceled when
	// the spec is removed or the supervisor shuts down.
	timer *clock.Timer

	// pendingRemoval suppresses relaunch: the process was removed
	// from configuration while running and has been signaled; its
	// exit must still be collected.
	pendingRemoval bool
}

// Supervisor is the control loop. One goroutine (Run) owns all state;
// exits, reloads, and due backoff timers arrive as events.
type Supervisor struct {
	daemon   *config.DaemonConfig
	launcher Launcher
	clk      clock.Clock
	logger   *slog.Logger

	exits    chan exitEvent
	reloads  chan reloadRequest
	startDue chan Identity
	status   chan chan []ProcessStatus

	// done closes when Run returns; it unblocks timer callbacks and
	// watch goroutines that would otherwise send into a dead loop.
	done chan struct{}

	nextLaunch launchID

	// byIdentity is the desired set: every configured process,
	// whether currently running, in backoff, or just launching.
	byIdentity map[Identity]*entry

	// children tracks every live OS process by launch id, including
	// pending-removal ones already dropped from byIdentity.
	children map[launchID]*entry

	// knownSandboxes tracks sandbox names with launcher resources,
	// so sinks are retired exactly when the last reference goes.
	knownSandboxes map[string]bool
}

// New builds a Supervisor. The launcher performs the actual spawns;
// the clock drives backoff and shutdown timers.
func New(daemon *config.DaemonConfig, launcher Launcher, clk clock.Clock, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		daemon:         daemon,
		launcher:       launcher,
		clk:            clk,
		logger:         logger,
		exits:          make(chan exitEvent, 16),
		reloads:        make(chan reloadRequest),
		startDue:       make(chan Identity, 16),
		status:         make(chan chan []ProcessStatus),
		done:           make(chan struct{}),
		byIdentity:     make(map[Identity]*entry),
		children:       make(map[launchID]*entry),
		knownSandboxes: make(map[string]bool),
	}
}

// Reload hands the loop a new validated configuration snapshot.
// Callers must only pass snapshots that loaded without error; a
// failed load keeps the previous configuration by simply not calling
// Reload. Safe to call from any goroutine; a no-op after shutdown.
func (s *Supervisor) Reload(sandboxes map[string]*config.SandboxConfig) {
	select {
	case s.reloads <- reloadRequest{sandboxes: sandboxes}:
	case <-s.done:
	}
}

// Run converges to the initial snapshot, then processes events until
// ctx is canceled, at which point every child is signaled to stop and
// reaped (SIGKILL after the kill timeout) before Run returns.
func (s *Supervisor) Run(ctx context.Context, initial map[string]*config.SandboxConfig) error {
	defer close(s.done)

	s.reconcile(initial)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case request := <-s.reloads:
			s.reconcile(request.sandboxes)
		case event := <-s.exits:
			s.handleExit(event)
		case id := <-s.startDue:
			s.handleStartDue(id)
		case reply := <-s.status:
			reply <- s.snapshot()
		}
	}
}

// ProcessState is a coarse lifecycle state reported in a Snapshot.
type ProcessState string

const (
	// StateRunning means a live child exists for the identity.
	StateRunning ProcessState = "running"
	// StateBackoff means the identity is waiting out a restart delay.
	StateBackoff ProcessState = "backoff"
	// StateStopping means the process was removed from configuration
	// and has been signaled but not yet reaped.
	StateStopping ProcessState = "stopping"
)

// ProcessStatus is one registry entry as seen by Snapshot.
type ProcessStatus struct {
	Identity Identity
	Digest   string
	State    ProcessState
	PID      int
	Failures int
	Failed   bool
}

// Snapshot asks the control loop for the current registry state. It
// returns nil after shutdown. Safe to call from any goroutine.
func (s *Supervisor) Snapshot() []ProcessStatus {
	reply := make(chan []ProcessStatus, 1)
	select {
	case s.status <- reply:
	case <-s.done:
		return nil
	}
	select {
	case statuses := <-reply:
		return statuses
	case <-s.done:
		return nil
	}
}

func (s *Supervisor) snapshot() []ProcessStatus {
	statuses := make([]ProcessStatus, 0, len(s.byIdentity)+len(s.children))
	for _, e := range s.byIdentity {
		status := ProcessStatus{
			Identity: e.id,
			Digest:   e.digest,
			State:    StateBackoff,
			Failures: e.restart.failures,
			Failed:   e.restart.failed,
		}
		if e.handle != nil {
			status.State = StateRunning
			status.PID = e.handle.PID()
		}
		statuses = append(statuses, status)
	}
	for _, e := range s.children {
		if !e.pendingRemoval && s.byIdentity[e.id] == e {
			continue // already reported above
		}
		statuses = append(statuses, ProcessStatus{
			Identity: e.id,
			Digest:   e.digest,
			State:    StateStopping,
			PID:      e.handle.PID(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Identity.String() != statuses[j].Identity.String() {
			return statuses[i].Identity.String() < statuses[j].Identity.String()
		}
		return statuses[i].State < statuses[j].State
	})
	return statuses
}

// desiredProcess is one Identity the configuration asks for.
type desiredProcess struct {
	digest  string
	sandbox *config.SandboxConfig
	spec    config.ProcessSpec
}

// reconcile converges the registry to a configuration snapshot.
// Unchanged identities are untouched; running it twice with the same
// snapshot is a no-op.
func (s *Supervisor) reconcile(sandboxes map[string]*config.SandboxConfig) {
	desired := make(map[Identity]desiredProcess)
	for _, sb := range sandboxes {
		for _, processName := range sb.ProcessNames() {
			digest, err := sb.ProcessDigest(processName)
			if err != nil {
				// Cannot happen for a validated config; skip the
				// process rather than crash the loop.
				s.logger.Error("internal: digesting process spec",
					"sandbox", sb.Name, "process", processName, "error", err)
				continue
			}
			spec := sb.Processes[processName]
			for instance := 0; instance < spec.Instances; instance++ {
				id := Identity{Sandbox: sb.Name, Process: processName, Instance: instance}
				desired[id] = desiredProcess{digest: digest, sandbox: sb, spec: spec}
			}
		}
	}

	// Stop what is no longer wanted, or wanted in a different shape.
	// A changed digest is remove-old + add-new: the old process may
	// keep running until it honors the stop signal, briefly
	// overlapping its replacement. That overlap is deliberate; specs
	// that cannot tolerate it should listen for the signal promptly.
	for id, e := range s.byIdentity {
		d, ok := desired[id]
		if ok && d.digest == e.digest {
			continue
		}
		reason := "removed from configuration"
		if ok {
			reason = "spec changed"
		}
		s.removeEntry(e, reason)
	}

	// Start what is newly wanted.
	for id, d := range desired {
		if existing, ok := s.byIdentity[id]; ok && existing.digest == d.digest {
			continue
		}
		e := &entry{
			id:      id,
			digest:  d.digest,
			sandbox: d.sandbox,
			spec:    d.spec,
			policy: restartPolicy{
				restartTimeout: d.spec.RestartTimeout.Std(),
				stability:      s.daemon.StabilityThreshold.Std(),
				maxBackoff:     s.daemon.MaxBackoff.Std(),
				failAfter:      s.daemon.FailAfter,
			},
		}
		s.byIdentity[id] = e
		s.knownSandboxes[id.Sandbox] = true
		s.logger.Info("process added", "process", id.String(), "spec", config.ShortDigest(d.digest))
		s.launchEntry(e)
	}

	s.retireUnusedSandboxes()
}

// removeEntry takes an entry out of the desired set: a pending backoff
// relaunch is canceled outright; a running child is signaled to stop
// and left in children (pending removal) until its exit is collected.
func (s *Supervisor) removeEntry(e *entry, reason string) {
	delete(s.byIdentity, e.id)

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		s.logger.Info("canceled scheduled relaunch", "process", e.id.String(), "reason", reason)
	}

	if e.handle == nil {
		s.logger.Info("process removed", "process", e.id.String(), "reason", reason)
		return
	}

	e.pendingRemoval = true
	sig := s.stopSignal(e)
	s.logger.Info("stopping process",
		"process", e.id.String(), "pid", e.handle.PID(), "signal", sig, "reason", reason)
	if err := e.handle.Signal(sig.Std()); err != nil {
		s.logger.Error("signaling process", "process", e.id.String(), "error", err)
	}
}

// launchEntry starts one child for an entry with no live child. A
// spawn failure is fed into backoff exactly like a crash.
func (s *Supervisor) launchEntry(e *entry) {
	now := s.clk.Now()
	handle, err := s.launcher.Launch(e.sandbox, e.id.Process, e.id.Instance)
	if err != nil {
		s.logger.Error("launch failed", "process", e.id.String(), "error", err)
		s.scheduleRelaunch(e, 0, now)
		return
	}

	s.nextLaunch++
	launch := s.nextLaunch
	e.launch = launch
	e.handle = handle
	e.startedAt = now
	s.children[launch] = e

	s.logger.Info("process started", "process", e.id.String(), "pid", handle.PID())

	go s.watch(launch, handle)
}

// watch is the per-child reaper: exactly one blocking Wait per spawn,
// funneled into the control loop. This is the only place a child's
// exit status is collected, so no child is ever double-reaped or left
// a zombie.
func (s *Supervisor) watch(launch launchID, handle Handle) {
	status, err := handle.Wait()
	select {
	case s.exits <- exitEvent{launch: launch, status: status, err: err}:
	case <-s.done:
	}
}

// handleExit folds one reaped child into the registry.
func (s *Supervisor) handleExit(event exitEvent) {
	e, ok := s.children[event.launch]
	if !ok {
		s.logger.Warn("exit event for unknown child", "launch", uint64(event.launch))
		return
	}
	delete(s.children, event.launch)
	e.launch = 0
	e.handle = nil

	now := s.clk.Now()
	runtime := now.Sub(e.startedAt)

	if event.err != nil {
		// Reaping should never fail while we exclusively own the
		// child. Treat the runtime as a failure but keep going.
		s.logger.Error("internal: reaping child", "process", e.id.String(), "error", event.err)
	}

	if e.pendingRemoval {
		s.logger.Info("removed process exited",
			"process", e.id.String(), "status", event.status.String(), "runtime", runtime)
		s.retireUnusedSandboxes()
		return
	}

	if s.byIdentity[e.id] != e {
		// Superseded while running; nothing to schedule.
		s.logger.Info("superseded process exited",
			"process", e.id.String(), "status", event.status.String())
		s.retireUnusedSandboxes()
		return
	}

	s.logger.Warn("process exited",
		"process", e.id.String(), "status", event.status.String(), "runtime", runtime)
	s.scheduleRelaunch(e, runtime, now)
}

// scheduleRelaunch consults the restart policy and arms the backoff
// timer for an entry that just exited (or failed to launch).
func (s *Supervisor) scheduleRelaunch(e *entry, runtime time.Duration, now time.Time) {
	delay, becameFailed := e.policy.onExit(&e.restart, runtime, now)
	if becameFailed {
		s.logger.Error("process keeps failing, retrying at maximum backoff",
			"process", e.id.String(), "consecutive_failures", e.restart.failures, "backoff", delay)
	} else {
		s.logger.Info("scheduling relaunch",
			"process", e.id.String(), "delay", delay, "consecutive_failures", e.restart.failures)
	}

	id := e.id
	e.timer = s.clk.AfterFunc(delay, func() {
		select {
		case s.startDue <- id:
		case <-s.done:
		}
	})
}

// handleStartDue relaunches an entry whose backoff delay elapsed. The
// registry is revalidated here: the timer may have fired concurrently
// with a removal or replacement, in which case the event is stale and
// ignored.
func (s *Supervisor) handleStartDue(id Identity) {
	e, ok := s.byIdentity[id]
	if !ok || e.pendingRemoval || e.handle != nil {
		return
	}
	e.timer = nil
	s.launchEntry(e)
}

// retireUnusedSandboxes releases launcher resources for sandboxes with
// no desired and no live processes left.
func (s *Supervisor) retireUnusedSandboxes() {
	inUse := make(map[string]bool)
	for id := range s.byIdentity {
		inUse[id.Sandbox] = true
	}
	for _, e := range s.children {
		inUse[e.id.Sandbox] = true
	}
	for name := range s.knownSandboxes {
		if !inUse[name] {
			s.launcher.Retire(name)
			delete(s.knownSandboxes, name)
			s.logger.Info("sandbox retired", "sandbox", name)
		}
	}
}

// shutdown signals every live child to stop, waits up to the largest
// applicable kill timeout, SIGKILLs stragglers, and reaps everything
// before returning.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down", "children", len(s.children))

	for _, e := range s.byIdentity {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}

	var killTimeout time.Duration
	for _, e := range s.children {
		timeout := s.killTimeout(e)
		if timeout > killTimeout {
			killTimeout = timeout
		}
		sig := s.stopSignal(e)
		s.logger.Info("stopping process", "process", e.id.String(), "pid", e.handle.PID(), "signal", sig)
		if err := e.handle.Signal(sig.Std()); err != nil {
			s.logger.Error("signaling process", "process", e.id.String(), "error", err)
		}
	}

	deadline := s.clk.After(killTimeout)
	for len(s.children) > 0 {
		select {
		case event := <-s.exits:
			e, ok := s.children[event.launch]
			if !ok {
				continue
			}
			delete(s.children, event.launch)
			s.logger.Info("process exited",
				"process", e.id.String(), "status", event.status.String())
		case <-deadline:
			deadline = nil // SIGKILL cannot be ignored; just keep reaping
			s.logger.Warn("kill timeout elapsed, sending SIGKILL", "children", len(s.children))
			for _, e := range s.children {
				if err := e.handle.Signal(syscall.SIGKILL); err != nil {
					s.logger.Error("killing process", "process", e.id.String(), "error", err)
				}
			}
		}
	}

	s.launcher.Close()
	s.logger.Info("shutdown complete")
}

// stopSignal resolves the per-process stop signal override against the
// daemon default.
func (s *Supervisor) stopSignal(e *entry) config.Signal {
	if e.spec.StopSignal != 0 {
		return e.spec.StopSignal
	}
	return s.daemon.StopSignal
}

// killTimeout resolves the per-process kill timeout override against
// the daemon default.
func (s *Supervisor) killTimeout(e *entry) time.Duration {
	if e.spec.KillTimeout != 0 {
		return e.spec.KillTimeout.Std()
	}
	return s.daemon.KillTimeout.Std()
}
