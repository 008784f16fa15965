// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-daemon is the supervisor: it loads the sandbox configuration
// directory, launches every configured process instance through
// arbor-shim, restarts crashed processes with exponential backoff, and
// reconciles the running set whenever the configuration changes.
//
// Configuration reloads are triggered by SIGHUP or automatically when
// a file in the sandbox directory changes. A snapshot that fails to
// load is rejected whole; the daemon keeps running the previous
// configuration. SIGUSR1 dumps the process registry to the log.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arbor-run/arbor/lib/clock"
	"github.com/arbor-run/arbor/lib/config"
	"github.com/arbor-run/arbor/lib/process"
	"github.com/arbor-run/arbor/sandbox"
	"github.com/arbor-run/arbor/supervisor"
)

// reloadDebounce is how long the daemon waits for the sandbox
// directory to go quiet before reloading; editors and provisioning
// tools produce bursts of writes.
const reloadDebounce = 200 * time.Millisecond

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("arbor-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/arbor/arbor.yaml", "path to the daemon configuration file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	daemon, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}

	shimBinary, err := resolveShimBinary(daemon)
	if err != nil {
		return err
	}

	// The first load must succeed: starting with a broken
	// configuration is an operator error worth failing loudly on.
	// Later reloads are allowed to fail and keep the previous state.
	sandboxes, err := config.LoadSandboxDir(daemon.SandboxDir)
	if err != nil {
		return fmt.Errorf("loading sandbox configuration: %w", err)
	}

	for _, dir := range []string{daemon.StateDir, daemon.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := sandbox.EnsureMountDir(daemon.MountDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher := supervisor.NewShimLauncher(daemon, shimBinary, logger)
	sup := supervisor.New(daemon, launcher, clock.Real(), logger)

	logger.Info("starting",
		"config", configPath,
		"sandbox_dir", daemon.SandboxDir,
		"sandboxes", len(sandboxes),
		"shim", shimBinary,
	)

	reloadSignals := make(chan os.Signal, 1)
	signal.Notify(reloadSignals, syscall.SIGHUP)
	statusSignals := make(chan os.Signal, 1)
	signal.Notify(statusSignals, syscall.SIGUSR1)

	dirChanged, stopWatch, err := watchSandboxDir(daemon.SandboxDir)
	if err != nil {
		// The daemon still works without the watcher: SIGHUP remains
		// available for explicit reloads.
		logger.Warn("sandbox directory watch unavailable, reload via SIGHUP only", "error", err)
		dirChanged = nil
		stopWatch = func() {}
	}
	defer stopWatch()

	go controlLoop(ctx, sup, daemon, logger, reloadSignals, statusSignals, dirChanged)

	err = sup.Run(ctx, sandboxes)
	if cleanupErr := sandbox.CleanupMountDir(daemon.MountDir); cleanupErr != nil {
		logger.Warn("cleaning up mount point", "error", cleanupErr)
	}
	return err
}

// controlLoop handles the daemon's operator inputs: SIGHUP and sandbox
// directory changes trigger a reload, SIGUSR1 dumps the registry.
func controlLoop(
	ctx context.Context,
	sup *supervisor.Supervisor,
	daemon *config.DaemonConfig,
	logger *slog.Logger,
	reloadSignals <-chan os.Signal,
	statusSignals <-chan os.Signal,
	dirChanged <-chan struct{},
) {
	// quiet is armed after a directory event and fires once the
	// directory has been stable for the debounce window.
	var quiet <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadSignals:
			logger.Info("reload requested", "trigger", "SIGHUP")
			reload(sup, daemon, logger)
		case <-dirChanged:
			quiet = time.After(reloadDebounce)
		case <-quiet:
			quiet = nil
			logger.Info("reload requested", "trigger", "sandbox directory change")
			reload(sup, daemon, logger)
		case <-statusSignals:
			dumpStatus(sup, logger)
		}
	}
}

// reload loads a fresh snapshot and hands it to the supervisor. A
// snapshot that fails validation is rejected whole; nothing changes.
func reload(sup *supervisor.Supervisor, daemon *config.DaemonConfig, logger *slog.Logger) {
	sandboxes, err := config.LoadSandboxDir(daemon.SandboxDir)
	if err != nil {
		logger.Error("configuration reload rejected, keeping previous", "error", err)
		return
	}
	sup.Reload(sandboxes)
	logger.Info("configuration reloaded", "sandboxes", len(sandboxes))
}

// dumpStatus logs one line per registry entry.
func dumpStatus(sup *supervisor.Supervisor, logger *slog.Logger) {
	statuses := sup.Snapshot()
	logger.Info("status dump", "processes", len(statuses))
	for _, status := range statuses {
		logger.Info("status",
			"process", status.Identity.String(),
			"state", string(status.State),
			"pid", status.PID,
			"spec", config.ShortDigest(status.Digest),
			"failures", status.Failures,
			"failed", status.Failed,
		)
	}
}

// resolveShimBinary returns the configured shim path or, when unset,
// looks for arbor-shim next to the running daemon binary.
func resolveShimBinary(daemon *config.DaemonConfig) (string, error) {
	if daemon.ShimBinary != "" {
		if _, err := os.Stat(daemon.ShimBinary); err != nil {
			return "", fmt.Errorf("shim_binary: %w", err)
		}
		return daemon.ShimBinary, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating own binary for shim auto-detection: %w", err)
	}
	shim := filepath.Join(filepath.Dir(self), "arbor-shim")
	if _, err := os.Stat(shim); err != nil {
		return "", fmt.Errorf("arbor-shim not found next to daemon binary (set shim_binary): %w", err)
	}
	return shim, nil
}
