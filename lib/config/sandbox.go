// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// RootSpec describes the filesystem that becomes a sandbox's root: a
// host directory bind-mounted onto the private mount point, read-only
// unless Writable is set.
type RootSpec struct {
	Source   string `yaml:"source"`
	Writable bool   `yaml:"writable"`
}

// MountDirective is one mount applied inside the new root, in order.
// The target must already exist inside the root; a missing target is
// a fatal launch error, never skipped or auto-created.
type MountDirective struct {
	Kind     MountKind `yaml:"kind"`
	Source   string    `yaml:"source,omitempty"`
	Target   string    `yaml:"target"`
	Writable bool      `yaml:"writable,omitempty"`

	// Size is the tmpfs size in bytes (tmpfs only). Zero means the
	// kernel default.
	Size int64 `yaml:"size,omitempty"`

	// Mode is the tmpfs root mode (tmpfs only). Zero means 0755.
	Mode uint32 `yaml:"mode,omitempty"`
}

// ProcessSpec declaratively describes one supervised program. A spec
// is immutable once loaded; changing any field yields a new Digest and
// the supervisor treats it as remove-old + add-new.
type ProcessSpec struct {
	Executable string            `yaml:"executable"`
	Arguments  []string          `yaml:"arguments,omitempty"`
	Environ    map[string]string `yaml:"environ,omitempty"`
	Workdir    string            `yaml:"workdir,omitempty"`
	UserID     uint32            `yaml:"user_id"`
	GroupID    uint32            `yaml:"group_id"`

	// RestartTimeout is the minimum delay between an exit and the
	// next launch attempt. Default 1s.
	RestartTimeout Duration `yaml:"restart_timeout,omitempty"`

	// KillTimeout and StopSignal override the daemon-wide values
	// for this process when non-zero.
	KillTimeout Duration `yaml:"kill_timeout,omitempty"`
	StopSignal  Signal   `yaml:"stop_signal,omitempty"`

	// MemoryLimit is RLIMIT_AS in bytes. Zero means unlimited.
	MemoryLimit uint64 `yaml:"memory_limit,omitempty"`

	// FilenoLimit is RLIMIT_NOFILE. Default 1024.
	FilenoLimit uint64 `yaml:"fileno_limit,omitempty"`

	// Instances is how many identical copies to run. Default 1.
	Instances int `yaml:"instances,omitempty"`
}

// SandboxConfig is one sandbox: an isolation boundary with its root
// filesystem, mounts, device policy, log destination, and the set of
// processes it runs.
type SandboxConfig struct {
	// Name is the file stem, not a config field.
	Name string `yaml:"-"`

	Root   RootSpec         `yaml:"root"`
	Mounts []MountDirective `yaml:"mounts,omitempty"`

	// Devfs selects /dev population: "bind" (default) bind-mounts
	// the daemon's devfs_dir, "minimal" creates a small node set.
	Devfs DevfsPolicy `yaml:"devfs,omitempty"`

	// LogFile overrides <log_dir>/<name>.log. DiscardLog routes
	// child output to /dev/null instead of a file.
	LogFile    string `yaml:"log_file,omitempty"`
	DiscardLog bool   `yaml:"discard_log,omitempty"`

	Processes map[string]ProcessSpec `yaml:"processes"`
}

// sandboxFileExtensions lists accepted sandbox config extensions.
// JSONC variants are stripped of comments and parsed as YAML (JSON is
// a YAML subset).
var sandboxFileExtensions = map[string]bool{
	".yaml":  true,
	".yml":   true,
	".json":  true,
	".jsonc": true,
}

// LoadSandboxDir loads every sandbox file in dir into a map keyed by
// sandbox name. The load is all-or-nothing: any invalid file fails the
// whole snapshot (all problems joined into one error) so a reload can
// never half-apply. Hidden files and unrecognized extensions are
// ignored.
func LoadSandboxDir(dir string) (map[string]*SandboxConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox dir: %w", err)
	}

	sandboxes := make(map[string]*SandboxConfig)
	sourceFiles := make(map[string]string)
	var problems []error
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		extension := filepath.Ext(entry.Name())
		if !sandboxFileExtensions[extension] {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), extension)
		if previous, ok := sourceFiles[name]; ok {
			problems = append(problems, fmt.Errorf(
				"sandbox %q defined twice (%s and %s)",
				name, previous, entry.Name()))
			continue
		}
		sourceFiles[name] = entry.Name()

		sandbox, err := LoadSandboxFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		sandboxes[name] = sandbox
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return sandboxes, nil
}

// LoadSandboxFile reads, defaults, and validates a single sandbox
// config file. The sandbox name is the file stem.
func LoadSandboxFile(path string) (*SandboxConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox config: %w", err)
	}

	extension := filepath.Ext(path)
	if extension == ".json" || extension == ".jsonc" {
		data = jsonc.ToJSON(data)
	}

	var sandbox SandboxConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sandbox); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	sandbox.Name = strings.TrimSuffix(filepath.Base(path), extension)
	sandbox.applyDefaults()
	if err := sandbox.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config %s: %w", path, err)
	}
	return &sandbox, nil
}

func (s *SandboxConfig) applyDefaults() {
	if s.Devfs == "" {
		s.Devfs = DevfsBind
	}
	for name, spec := range s.Processes {
		if spec.Workdir == "" {
			spec.Workdir = "/"
		}
		if spec.RestartTimeout == 0 {
			spec.RestartTimeout = Duration(time.Second)
		}
		if spec.FilenoLimit == 0 {
			spec.FilenoLimit = 1024
		}
		if spec.Instances == 0 {
			spec.Instances = 1
		}
		s.Processes[name] = spec
	}
}

// Validate checks the sandbox for structural problems.
func (s *SandboxConfig) Validate() error {
	if !validName(s.Name) {
		return fmt.Errorf("sandbox name %q: only alphanumerics, '-' and '_' allowed", s.Name)
	}
	if s.Root.Source == "" {
		return fmt.Errorf("root.source is required")
	}
	if !filepath.IsAbs(s.Root.Source) {
		return fmt.Errorf("root.source must be an absolute path, got %q", s.Root.Source)
	}
	if !s.Devfs.Valid() {
		return fmt.Errorf("devfs must be %q or %q, got %q", DevfsBind, DevfsMinimal, s.Devfs)
	}
	if s.LogFile != "" && !filepath.IsAbs(s.LogFile) {
		return fmt.Errorf("log_file must be an absolute path, got %q", s.LogFile)
	}
	if s.LogFile != "" && s.DiscardLog {
		return fmt.Errorf("log_file and discard_log are mutually exclusive")
	}

	for index, mount := range s.Mounts {
		if err := mount.validate(); err != nil {
			return fmt.Errorf("mounts[%d]: %w", index, err)
		}
	}

	if len(s.Processes) == 0 {
		return fmt.Errorf("at least one process is required")
	}
	for name, spec := range s.Processes {
		if !validName(name) {
			return fmt.Errorf("process name %q: only alphanumerics, '-' and '_' allowed", name)
		}
		if err := spec.validate(); err != nil {
			return fmt.Errorf("process %q: %w", name, err)
		}
	}
	return nil
}

func (m *MountDirective) validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown mount kind %q", m.Kind)
	}
	if m.Target == "" || !filepath.IsAbs(m.Target) {
		return fmt.Errorf("target must be an absolute path inside the root, got %q", m.Target)
	}
	switch m.Kind {
	case MountBind:
		if m.Source == "" || !filepath.IsAbs(m.Source) {
			return fmt.Errorf("bind mount source must be an absolute host path, got %q", m.Source)
		}
	case MountTmpfs, MountDevpts, MountProc:
		if m.Source != "" {
			return fmt.Errorf("%s mounts take no source", m.Kind)
		}
	}
	if m.Kind != MountTmpfs && (m.Size != 0 || m.Mode != 0) {
		return fmt.Errorf("size and mode apply to tmpfs mounts only")
	}
	if m.Mode > 0o1777 {
		return fmt.Errorf("mode %o out of range", m.Mode)
	}
	return nil
}

func (p *ProcessSpec) validate() error {
	if p.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if !filepath.IsAbs(p.Executable) {
		return fmt.Errorf("executable must be an absolute path inside the sandbox, got %q", p.Executable)
	}
	if !filepath.IsAbs(p.Workdir) {
		return fmt.Errorf("workdir must be an absolute path, got %q", p.Workdir)
	}
	if p.RestartTimeout < 0 || p.RestartTimeout.Std() > 24*time.Hour {
		return fmt.Errorf("restart_timeout out of range: %s", p.RestartTimeout)
	}
	if p.KillTimeout < 0 {
		return fmt.Errorf("kill_timeout must not be negative")
	}
	if p.Instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", p.Instances)
	}
	return nil
}

// ProcessNames returns the sandbox's process names sorted for
// deterministic iteration.
func (s *SandboxConfig) ProcessNames() []string {
	names := make([]string, 0, len(s.Processes))
	for name := range s.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
