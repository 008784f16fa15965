// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/arbor-run/arbor/lib/clock"
	"github.com/arbor-run/arbor/lib/config"
	"github.com/arbor-run/arbor/lib/process"
	"github.com/arbor-run/arbor/lib/testutil"
)

const testTimeout = 5 * time.Second

// fakeHandle is a child whose exit the test controls.
type fakeHandle struct {
	pid     int
	signals chan syscall.Signal
	exit    chan process.ExitStatus

	exitOnce sync.Once
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.signals <- sig
	return nil
}

func (h *fakeHandle) Wait() (process.ExitStatus, error) {
	return <-h.exit, nil
}

// exitWith makes Wait return; safe to call more than once.
func (h *fakeHandle) exitWith(status process.ExitStatus) {
	h.exitOnce.Do(func() { h.exit <- status })
}

type launchRecord struct {
	sandbox  string
	process  string
	instance int
	handle   *fakeHandle
}

// fakeLauncher records launches and lets tests inject launch failures.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	handles  []*fakeHandle
	failures map[string]error
	closed   bool

	launches chan launchRecord
	retired  chan string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:  100,
		failures: make(map[string]error),
		launches: make(chan launchRecord, 32),
		retired:  make(chan string, 8),
	}
}

// failNext makes the next launch of the given identity fail once.
func (l *fakeLauncher) failNext(sandbox, processName string, instance int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[fmt.Sprintf("%s/%s.%d", sandbox, processName, instance)] = err
}

func (l *fakeLauncher) Launch(sb *config.SandboxConfig, processName string, instance int) (Handle, error) {
	l.mu.Lock()
	key := fmt.Sprintf("%s/%s.%d", sb.Name, processName, instance)
	if err, ok := l.failures[key]; ok {
		delete(l.failures, key)
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	handle := &fakeHandle{
		pid:     l.nextPID,
		signals: make(chan syscall.Signal, 8),
		exit:    make(chan process.ExitStatus, 1),
	}
	l.handles = append(l.handles, handle)
	l.mu.Unlock()

	l.launches <- launchRecord{sandbox: sb.Name, process: processName, instance: instance, handle: handle}
	return handle, nil
}

func (l *fakeLauncher) Retire(sandboxName string) {
	l.retired <- sandboxName
}

func (l *fakeLauncher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// exitAll unblocks every outstanding Wait so shutdown can finish.
func (l *fakeLauncher) exitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, handle := range l.handles {
		handle.exitWith(process.ExitStatus{Code: 0})
	}
}

func testDaemon() *config.DaemonConfig {
	return &config.DaemonConfig{
		SandboxDir:         "/etc/arbor/sandboxes",
		StateDir:           "/var/lib/arbor",
		MountDir:           "/run/arbor/mnt",
		LogDir:             "/var/log/arbor",
		DevfsDir:           "/var/lib/arbor/dev",
		StopSignal:         config.Signal(syscall.SIGTERM),
		KillTimeout:        config.Duration(5 * time.Second),
		StabilityThreshold: config.Duration(10 * time.Second),
		MaxBackoff:         config.Duration(30 * time.Second),
		FailAfter:          5,
	}
}

func testSandbox(name, executable string, instances int) *config.SandboxConfig {
	return &config.SandboxConfig{
		Name: name,
		Root: config.RootSpec{Source: "/srv/images/" + name},
		Processes: map[string]config.ProcessSpec{
			"main": {
				Executable:     executable,
				Workdir:        "/",
				RestartTimeout: config.Duration(time.Second),
				FilenoLimit:    1024,
				Instances:      instances,
			},
		},
	}
}

type harness struct {
	t        *testing.T
	sup      *Supervisor
	clk      *clock.FakeClock
	launcher *fakeLauncher
	cancel   context.CancelFunc
	finished chan struct{}
}

func startSupervisor(t *testing.T, initial map[string]*config.SandboxConfig) *harness {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	launcher := newFakeLauncher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := New(testDaemon(), launcher, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		sup.Run(ctx, initial)
	}()

	h := &harness{t: t, sup: sup, clk: clk, launcher: launcher, cancel: cancel, finished: finished}
	t.Cleanup(func() {
		cancel()
		// Keep unblocking child Waits until Run returns; a launch
		// racing the cancellation may add a handle after the first
		// exitAll pass.
		deadline := time.After(testTimeout)
		for {
			launcher.exitAll()
			select {
			case <-finished:
				return
			case <-deadline:
				t.Fatal("supervisor did not shut down")
			case <-time.After(time.Millisecond):
			}
		}
	})
	return h
}

func (h *harness) nextLaunch() launchRecord {
	h.t.Helper()
	return testutil.RequireReceive(h.t, h.launcher.launches, testTimeout, "waiting for a launch")
}

// waitForRegistry polls Snapshot until the predicate holds, giving the
// control loop time to absorb in-flight events.
func (h *harness) waitForRegistry(predicate func([]ProcessStatus) bool, message string) {
	h.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if predicate(h.sup.Snapshot()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for registry state: %s (have %+v)", message, h.sup.Snapshot())
}

func noProcessRunning(statuses []ProcessStatus) bool {
	for _, status := range statuses {
		if status.State == StateRunning || status.State == StateStopping {
			return false
		}
	}
	return true
}

func TestStartsConfiguredInstances(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 2),
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		record := h.nextLaunch()
		seen[fmt.Sprintf("%s/%s.%d", record.sandbox, record.process, record.instance)] = true
	}
	if !seen["web/main.0"] || !seen["web/main.1"] {
		t.Fatalf("launched %v, want web/main.0 and web/main.1", seen)
	}
}

func TestReloadUnchangedIsNoOp(t *testing.T) {
	snapshot := map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	}
	h := startSupervisor(t, snapshot)
	h.nextLaunch()

	h.sup.Reload(snapshot)
	h.sup.Reload(map[string]*config.SandboxConfig{
		"web":   testSandbox("web", "/usr/bin/web", 1),
		"extra": testSandbox("extra", "/usr/bin/extra", 1),
	})

	// The only launch after both reloads must be the added sandbox:
	// the identical snapshot produced none.
	record := h.nextLaunch()
	if record.sandbox != "extra" {
		t.Fatalf("launched %s after no-op reload, want extra", record.sandbox)
	}
}

func TestCrashRelaunchWaitsOutBackoff(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})
	first := h.nextLaunch()

	first.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)

	// Half the restart timeout: nothing may fire yet.
	h.clk.Advance(500 * time.Millisecond)
	if pending := h.clk.PendingCount(); pending != 1 {
		t.Fatalf("relaunch timer fired early, pending = %d", pending)
	}

	h.clk.Advance(500 * time.Millisecond)
	second := h.nextLaunch()
	if second.sandbox != "web" || second.instance != 0 {
		t.Fatalf("unexpected relaunch %+v", second)
	}
}

func TestBackoffDelayDoublesAcrossCrashes(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})

	record := h.nextLaunch()
	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)

	record = h.nextLaunch()
	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)

	// Second rapid crash doubles the delay: 1s in is too early.
	h.clk.Advance(time.Second)
	if pending := h.clk.PendingCount(); pending != 1 {
		t.Fatalf("second relaunch fired after 1s, want 2s delay (pending = %d)", pending)
	}
	h.clk.Advance(time.Second)
	h.nextLaunch()
}

func TestStableRunResetsBackoff(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})

	// Two rapid crashes push the delay to 2s.
	record := h.nextLaunch()
	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)
	record = h.nextLaunch()
	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)
	h.clk.Advance(2 * time.Second)

	// This incarnation runs past the stability threshold.
	record = h.nextLaunch()
	h.clk.Advance(15 * time.Second)
	record.handle.exitWith(process.ExitStatus{Code: 0})
	h.clk.WaitForTimers(1)

	// Its exit resets the streak: the delay is back to 1s.
	h.clk.Advance(time.Second)
	h.nextLaunch()

	h.waitForRegistry(func(statuses []ProcessStatus) bool {
		return len(statuses) == 1 && statuses[0].Failures == 0
	}, "failure counter reset after stable run")
}

func TestRemovalStopsProcessAndRetiresSandbox(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})
	record := h.nextLaunch()

	h.sup.Reload(map[string]*config.SandboxConfig{})

	sig := testutil.RequireReceive(t, record.handle.signals, testTimeout, "stop signal")
	if sig != syscall.SIGTERM {
		t.Fatalf("stop signal = %v, want SIGTERM", sig)
	}

	record.handle.exitWith(process.ExitStatus{Signaled: true, Signal: syscall.SIGTERM})
	retired := testutil.RequireReceive(t, h.launcher.retired, testTimeout, "sandbox retirement")
	if retired != "web" {
		t.Fatalf("retired %q, want web", retired)
	}

	h.waitForRegistry(func(statuses []ProcessStatus) bool {
		return len(statuses) == 0
	}, "registry empty after removal")
}

func TestRemovalDuringBackoffCancelsRelaunch(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})
	record := h.nextLaunch()

	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)

	h.sup.Reload(map[string]*config.SandboxConfig{})

	// Removal of a backoff entry has no child to reap, so the
	// sandbox retires immediately.
	retired := testutil.RequireReceive(t, h.launcher.retired, testTimeout, "sandbox retirement")
	if retired != "web" {
		t.Fatalf("retired %q, want web", retired)
	}
	if pending := h.clk.PendingCount(); pending != 0 {
		t.Fatalf("relaunch timer still pending after removal (pending = %d)", pending)
	}

	h.clk.Advance(time.Minute)
	select {
	case record := <-h.launcher.launches:
		t.Fatalf("canceled relaunch still fired: %+v", record)
	default:
	}
}

func TestSpecChangeReplacesProcess(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})
	old := h.nextLaunch()

	h.sup.Reload(map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web-v2", 1),
	})

	// The old incarnation is signaled; the replacement launches
	// without waiting for it to exit.
	sig := testutil.RequireReceive(t, old.handle.signals, testTimeout, "stop signal for old spec")
	if sig != syscall.SIGTERM {
		t.Fatalf("stop signal = %v, want SIGTERM", sig)
	}
	replacement := h.nextLaunch()
	if replacement.sandbox != "web" || replacement.instance != 0 {
		t.Fatalf("unexpected replacement launch %+v", replacement)
	}

	// The old incarnation's exit is collected without a relaunch and
	// without retiring the still-used sandbox.
	old.handle.exitWith(process.ExitStatus{Signaled: true, Signal: syscall.SIGTERM})
	h.waitForRegistry(func(statuses []ProcessStatus) bool {
		return len(statuses) == 1 && statuses[0].State == StateRunning
	}, "only the replacement left")

	if pending := h.clk.PendingCount(); pending != 0 {
		t.Fatalf("stale relaunch timer pending after replacement (pending = %d)", pending)
	}
	select {
	case retired := <-h.launcher.retired:
		t.Fatalf("sandbox %q retired while still in use", retired)
	default:
	}
}

func TestLaunchFailureFeedsBackoff(t *testing.T) {
	launcherError := fmt.Errorf("no such file or directory")
	h := startSupervisor(t, nil)

	h.launcher.failNext("web", "main", 0, launcherError)
	h.sup.Reload(map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})

	// The failed spawn schedules a retry like a crash would.
	h.clk.WaitForTimers(1)
	h.clk.Advance(time.Second)
	record := h.nextLaunch()
	if record.sandbox != "web" {
		t.Fatalf("retry launched %q, want web", record.sandbox)
	}
}

func TestMountFailureIsolatedToOneProcess(t *testing.T) {
	// A sandbox whose filesystem cannot be prepared keeps failing in
	// its own backoff loop; a healthy sandbox is untouched.
	h := startSupervisor(t, nil)

	h.launcher.failNext("broken", "main", 0, fmt.Errorf("Can't mount bind /data: no such file or directory (os error 2)"))
	h.sup.Reload(map[string]*config.SandboxConfig{
		"broken":  testSandbox("broken", "/usr/bin/app", 1),
		"healthy": testSandbox("healthy", "/usr/bin/app", 1),
	})

	record := h.nextLaunch()
	if record.sandbox != "healthy" {
		t.Fatalf("first successful launch = %q, want healthy", record.sandbox)
	}
	h.waitForRegistry(func(statuses []ProcessStatus) bool {
		running := 0
		backoff := 0
		for _, status := range statuses {
			switch status.State {
			case StateRunning:
				running++
			case StateBackoff:
				backoff++
			}
		}
		return running == 1 && backoff == 1
	}, "healthy running, broken in backoff")

	h.clk.Advance(time.Second)
	retry := h.nextLaunch()
	if retry.sandbox != "broken" {
		t.Fatalf("retry launched %q, want broken", retry.sandbox)
	}
}

func TestPerProcessStopSignalOverride(t *testing.T) {
	sb := testSandbox("web", "/usr/bin/web", 1)
	spec := sb.Processes["main"]
	spec.StopSignal = config.Signal(syscall.SIGINT)
	sb.Processes["main"] = spec

	h := startSupervisor(t, map[string]*config.SandboxConfig{"web": sb})
	record := h.nextLaunch()

	h.sup.Reload(map[string]*config.SandboxConfig{})
	sig := testutil.RequireReceive(t, record.handle.signals, testTimeout, "stop signal")
	if sig != syscall.SIGINT {
		t.Fatalf("stop signal = %v, want SIGINT", sig)
	}
}

func TestShutdownEscalatesToSIGKILL(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
		"db":  testSandbox("db", "/usr/bin/db", 1),
	})
	first := h.nextLaunch()
	second := h.nextLaunch()

	h.cancel()

	for _, record := range []launchRecord{first, second} {
		sig := testutil.RequireReceive(t, record.handle.signals, testTimeout, "shutdown stop signal")
		if sig != syscall.SIGTERM {
			t.Fatalf("shutdown signal = %v, want SIGTERM", sig)
		}
	}

	// One child complies; the other sits through the kill timeout.
	first.handle.exitWith(process.ExitStatus{Signaled: true, Signal: syscall.SIGTERM})

	h.clk.WaitForTimers(1)
	h.clk.Advance(5 * time.Second)

	sig := testutil.RequireReceive(t, second.handle.signals, testTimeout, "escalation signal")
	if sig != syscall.SIGKILL {
		t.Fatalf("escalation signal = %v, want SIGKILL", sig)
	}
	second.handle.exitWith(process.ExitStatus{Signaled: true, Signal: syscall.SIGKILL})

	testutil.RequireClosed(t, h.finished, testTimeout, "Run return after all children reaped")
	h.launcher.mu.Lock()
	closed := h.launcher.closed
	h.launcher.mu.Unlock()
	if !closed {
		t.Fatal("launcher not closed at shutdown")
	}
}

func TestSnapshotReportsBackoffFailures(t *testing.T) {
	h := startSupervisor(t, map[string]*config.SandboxConfig{
		"web": testSandbox("web", "/usr/bin/web", 1),
	})

	record := h.nextLaunch()
	record.handle.exitWith(process.ExitStatus{Code: 1})
	h.clk.WaitForTimers(1)

	h.waitForRegistry(func(statuses []ProcessStatus) bool {
		return len(statuses) == 1 &&
			statuses[0].State == StateBackoff &&
			statuses[0].Failures == 1 &&
			statuses[0].Identity.String() == "web/main.0"
	}, "backoff entry visible in snapshot")
}
