// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/arbor-run/arbor/lib/config"
	"github.com/arbor-run/arbor/lib/process"
	"github.com/arbor-run/arbor/sandbox"
)

// Handle is an owned running child. The supervisor is the exclusive
// owner of the underlying OS process: exactly one Wait call collects
// its exit, and nothing else holds its pid.
type Handle interface {
	// PID returns the OS process id (after exec this is the
	// supervised target itself, since exec keeps the pid).
	PID() int

	// Signal delivers sig to the process.
	Signal(sig syscall.Signal) error

	// Wait blocks until the process exits and returns how it
	// terminated. An error return means the reap itself failed,
	// not that the process exited nonzero.
	Wait() (process.ExitStatus, error)
}

// Launcher starts supervised process instances. Any launch failure is
// confined to the single attempt; the engine feeds it into backoff
// like an exit.
type Launcher interface {
	Launch(sb *config.SandboxConfig, processName string, instance int) (Handle, error)

	// Retire releases per-sandbox resources (the log sink) once a
	// sandbox has no desired or running processes left.
	Retire(sandboxName string)

	// Close releases everything at supervisor shutdown.
	Close()
}

// ShimLauncher is the production Launcher: it hands a CBOR launch spec
// to arbor-shim and spawns it with a freshly unshared mount namespace.
// The shim prepares the sandbox root, pivots into it, and execs the
// target; its stdout/stderr are wired to the sandbox's log sink before
// the namespace work starts, so even mount failures land in the log.
//
// All methods are called from the supervisor's control goroutine only.
type ShimLauncher struct {
	daemon     *config.DaemonConfig
	shimBinary string
	router     *LogRouter
	logger     *slog.Logger
}

// NewShimLauncher builds the production launcher. shimBinary must be
// the absolute path to arbor-shim.
func NewShimLauncher(daemon *config.DaemonConfig, shimBinary string, logger *slog.Logger) *ShimLauncher {
	return &ShimLauncher{
		daemon:     daemon,
		shimBinary: shimBinary,
		router:     NewLogRouter(daemon.LogDir),
		logger:     logger,
	}
}

// Launch writes the launch spec, opens the log sink, and starts
// arbor-shim. The returned Handle's pid is the shim's pid, which
// becomes the target's pid at exec.
func (l *ShimLauncher) Launch(sb *config.SandboxConfig, processName string, instance int) (Handle, error) {
	spec := sandbox.SpecFromConfig(l.daemon, sb, processName, instance)

	stateDir := filepath.Join(l.daemon.StateDir, sb.Name)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir for %s: %w", sb.Name, err)
	}
	specPath := filepath.Join(stateDir, fmt.Sprintf("%s.%d.spec", processName, instance))
	if err := sandbox.WriteSpecFile(specPath, spec); err != nil {
		return nil, err
	}

	sink, err := l.router.Sink(sb)
	if err != nil {
		return nil, err
	}

	// The identity comes first in argv so it is immediately visible
	// in ps output before the shim execs the target.
	cmd := exec.Command(l.shimBinary, "--name", spec.FullName(), "--spec", specPath)
	cmd.Stdout = sink
	cmd.Stderr = sink
	// Stdin stays nil: os/exec connects it to /dev/null.
	cmd.Env = []string{"TERM=dumb"}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// The shim starts in its own mount namespace; everything it
		// mounts is invisible to the host and to other sandboxes.
		Unshareflags: syscall.CLONE_NEWNS,
		// Its own session, so signaling the supervisor does not
		// leak to children and vice versa.
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting shim for %s: %w", spec.FullName(), err)
	}
	return &shimHandle{cmd: cmd}, nil
}

// Retire closes the sandbox's log sink.
func (l *ShimLauncher) Retire(sandboxName string) {
	l.router.Release(sandboxName)
}

// Close closes all log sinks.
func (l *ShimLauncher) Close() {
	l.router.CloseAll()
}

// shimHandle wraps the exec.Cmd for one launched shim.
type shimHandle struct {
	cmd *exec.Cmd
}

func (h *shimHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *shimHandle) Signal(sig syscall.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *shimHandle) Wait() (process.ExitStatus, error) {
	err := h.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			// The reap itself failed; the exit status is unknown.
			return process.ExitStatus{}, err
		}
	}
	return process.StatusFromState(h.cmd.ProcessState), nil
}
