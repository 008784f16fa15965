// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/arbor-run/arbor/lib/config"
)

// Spec is the launch instruction handed from the daemon to arbor-shim:
// everything the shim needs to prepare the root and exec the target.
// It is written as CBOR to a spec file in the state directory; the
// shim receives the path via --spec.
type Spec struct {
	// Sandbox and Process name the supervised process; Instance
	// disambiguates multiple copies of the same spec.
	Sandbox  string `cbor:"sandbox"`
	Process  string `cbor:"process"`
	Instance int    `cbor:"instance"`

	// MountDir is the private mount point the root is built at and
	// pivoted from.
	MountDir string `cbor:"mount_dir"`

	// Root, Mounts, and Devfs describe the filesystem; DevfsDir is
	// the host device directory for the bind policy.
	Root     config.RootSpec         `cbor:"root"`
	Mounts   []config.MountDirective `cbor:"mounts,omitempty"`
	Devfs    config.DevfsPolicy      `cbor:"devfs"`
	DevfsDir string                  `cbor:"devfs_dir"`

	// Target process parameters, applied after pivot_root.
	Executable  string            `cbor:"executable"`
	Arguments   []string          `cbor:"arguments,omitempty"`
	Environ     map[string]string `cbor:"environ,omitempty"`
	Workdir     string            `cbor:"workdir"`
	UserID      uint32            `cbor:"user_id"`
	GroupID     uint32            `cbor:"group_id"`
	MemoryLimit uint64            `cbor:"memory_limit,omitempty"`
	FilenoLimit uint64            `cbor:"fileno_limit,omitempty"`
}

// FullName is the supervisor-wide identity string,
// "<sandbox>/<process>.<instance>". It appears in the shim's argv (so
// the process is recognizable in ps) and in every log line about it.
func (s *Spec) FullName() string {
	return fmt.Sprintf("%s/%s.%d", s.Sandbox, s.Process, s.Instance)
}

// WriteSpecFile writes the CBOR-encoded spec atomically: temporary
// file, fsync, rename. The shim must never observe a partial spec.
func WriteSpecFile(path string, spec *Spec) error {
	data, err := cbor.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding launch spec: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary spec file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary spec file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary spec file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary spec file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming spec file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parent, err := os.Open(filepath.Dir(path))
	if err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// ReadSpecFile reads and decodes a spec file written by WriteSpecFile.
func ReadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading launch spec: %w", err)
	}
	var spec Spec
	if err := cbor.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding launch spec %s: %w", path, err)
	}
	return &spec, nil
}
