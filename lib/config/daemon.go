// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the global supervisor configuration, loaded from a
// single YAML file (conventionally /etc/arbor/arbor.yaml).
type DaemonConfig struct {
	// SandboxDir is the directory of per-sandbox config files. Each
	// non-hidden *.yaml, *.yml, *.json, or *.jsonc file defines one
	// sandbox named after the file stem.
	SandboxDir string `yaml:"sandbox_dir"`

	// StateDir holds runtime state: one subdirectory per sandbox
	// with the launch spec files handed to arbor-shim.
	StateDir string `yaml:"state_dir"`

	// MountDir is the private mount point that becomes each
	// sandbox's root via pivot_root. Never visible to the host
	// namespace once the daemon has marked it private.
	MountDir string `yaml:"mount_dir"`

	// LogDir receives one append-only log file per sandbox unless
	// the sandbox overrides its log destination.
	LogDir string `yaml:"log_dir"`

	// DevfsDir is the host-prepared device directory bind-mounted
	// into sandboxes using the "bind" devfs policy. Must exist and
	// contain device nodes.
	DevfsDir string `yaml:"devfs_dir"`

	// ShimBinary is the path to the arbor-shim binary. Empty means
	// auto-detect next to the running daemon binary.
	ShimBinary string `yaml:"shim_binary"`

	// StopSignal is the default signal sent to children being
	// removed from configuration or shut down.
	StopSignal Signal `yaml:"stop_signal"`

	// KillTimeout is how long shutdown waits after StopSignal
	// before sending SIGKILL.
	KillTimeout Duration `yaml:"kill_timeout"`

	// StabilityThreshold is the runtime after which a process is
	// considered stable: its next exit resets the failure counter.
	StabilityThreshold Duration `yaml:"stability_threshold"`

	// MaxBackoff caps the exponential restart backoff.
	MaxBackoff Duration `yaml:"max_backoff"`

	// FailAfter is the consecutive-failure count at which a process
	// is reported as failed. It keeps retrying at MaxBackoff; there
	// is no give-up state.
	FailAfter int `yaml:"fail_after"`
}

// Defaults applied to fields left unset in the daemon config file.
const (
	DefaultStateDir           = "/var/lib/arbor"
	DefaultMountDir           = "/run/arbor/mnt"
	DefaultLogDir             = "/var/log/arbor"
	DefaultDevfsDir           = "/var/lib/arbor/dev"
	DefaultKillTimeout        = 5 * time.Second
	DefaultStabilityThreshold = 10 * time.Second
	DefaultMaxBackoff         = 30 * time.Second
	DefaultFailAfter          = 5
)

// LoadDaemonConfig reads, defaults, and validates the daemon config.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *DaemonConfig) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.MountDir == "" {
		c.MountDir = DefaultMountDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.DevfsDir == "" {
		c.DevfsDir = DefaultDevfsDir
	}
	if c.StopSignal == 0 {
		c.StopSignal = Signal(syscall.SIGTERM)
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = Duration(DefaultKillTimeout)
	}
	if c.StabilityThreshold == 0 {
		c.StabilityThreshold = Duration(DefaultStabilityThreshold)
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.FailAfter == 0 {
		c.FailAfter = DefaultFailAfter
	}
}

// Validate checks the daemon config for structural problems. Path
// existence is not checked here — arbor-check and the daemon do that
// at startup, where a missing directory is an environment error, not
// a config error.
func (c *DaemonConfig) Validate() error {
	if c.SandboxDir == "" {
		return fmt.Errorf("sandbox_dir is required")
	}
	for name, path := range map[string]string{
		"sandbox_dir": c.SandboxDir,
		"state_dir":   c.StateDir,
		"mount_dir":   c.MountDir,
		"log_dir":     c.LogDir,
		"devfs_dir":   c.DevfsDir,
	} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, path)
		}
	}
	if c.ShimBinary != "" && !filepath.IsAbs(c.ShimBinary) {
		return fmt.Errorf("shim_binary must be an absolute path, got %q", c.ShimBinary)
	}
	if c.KillTimeout < 0 {
		return fmt.Errorf("kill_timeout must not be negative")
	}
	if c.MaxBackoff.Std() < time.Second {
		return fmt.Errorf("max_backoff must be at least 1s, got %s", c.MaxBackoff)
	}
	if c.FailAfter < 1 {
		return fmt.Errorf("fail_after must be at least 1, got %d", c.FailAfter)
	}
	return nil
}
