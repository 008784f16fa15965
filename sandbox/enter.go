// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/arbor-run/arbor/lib/config"
)

// Enter executes the full in-namespace launch sequence: isolate mount
// propagation, build the root tree, pivot into it, apply resource
// limits and identity, and exec the target. On success it never
// returns. Every failure is fatal to this launch attempt only — the
// shim exits nonzero and the supervisor treats it as an exit event.
//
// The caller (arbor-shim's main) must already be in a freshly
// unshared mount namespace.
func Enter(spec *Spec) error {
	// Make every inherited mount private recursively. Without this,
	// the bind mounts below would propagate back to the host on
	// shared-subtree systems, and host mount changes would leak in.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}

	if err := mountRoot(spec.MountDir, spec.Root); err != nil {
		return err
	}
	for _, directive := range spec.Mounts {
		if err := applyDirective(spec.MountDir, directive); err != nil {
			return err
		}
	}
	if err := populateDevfs(spec.MountDir, spec.Devfs, spec.DevfsDir); err != nil {
		return err
	}

	if err := pivotInto(spec.MountDir); err != nil {
		return err
	}

	if err := applyResourceLimits(spec); err != nil {
		return err
	}
	if err := dropPrivileges(spec.UserID, spec.GroupID); err != nil {
		return err
	}

	if err := unix.Chdir(spec.Workdir); err != nil {
		return fmt.Errorf("chdir to workdir %s: %w", spec.Workdir, err)
	}

	argv := append([]string{spec.Executable}, spec.Arguments...)
	if err := unix.Exec(spec.Executable, argv, environList(spec.Environ)); err != nil {
		return fmt.Errorf("exec %s: %w", spec.Executable, err)
	}
	panic("unreachable")
}

// applyResourceLimits sets the rlimits from the process spec. Limits
// are applied before dropping privileges so a raised hard limit still
// succeeds.
func applyResourceLimits(spec *Spec) error {
	if spec.FilenoLimit > 0 {
		limit := &unix.Rlimit{Cur: spec.FilenoLimit, Max: spec.FilenoLimit}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, limit); err != nil {
			return fmt.Errorf("setting fileno limit %d: %w", spec.FilenoLimit, err)
		}
	}
	if spec.MemoryLimit > 0 {
		limit := &unix.Rlimit{Cur: spec.MemoryLimit, Max: spec.MemoryLimit}
		if err := unix.Setrlimit(unix.RLIMIT_AS, limit); err != nil {
			return fmt.Errorf("setting memory limit %d: %w", spec.MemoryLimit, err)
		}
	}
	return nil
}

// dropPrivileges switches to the configured group and user, in that
// order (setuid first would lose the right to setgid). Supplementary
// groups are cleared.
func dropPrivileges(userID, groupID uint32) error {
	if err := unix.Setgroups([]int{int(groupID)}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(int(groupID)); err != nil {
		return fmt.Errorf("setgid %d: %w", groupID, err)
	}
	if err := unix.Setuid(int(userID)); err != nil {
		return fmt.Errorf("setuid %d: %w", userID, err)
	}
	return nil
}

// environList renders the environment map as sorted KEY=value pairs.
// Sorting keeps the child's environ deterministic, which matters for
// the spec digest's remove-then-add semantics and for debugging.
func environList(environ map[string]string) []string {
	pairs := make([]string, 0, len(environ))
	for key, value := range environ {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}

// SpecFromConfig assembles the launch Spec for one process instance
// from the loaded configuration.
func SpecFromConfig(daemon *config.DaemonConfig, sb *config.SandboxConfig, processName string, instance int) *Spec {
	process := sb.Processes[processName]
	return &Spec{
		Sandbox:     sb.Name,
		Process:     processName,
		Instance:    instance,
		MountDir:    daemon.MountDir,
		Root:        sb.Root,
		Mounts:      sb.Mounts,
		Devfs:       sb.Devfs,
		DevfsDir:    daemon.DevfsDir,
		Executable:  process.Executable,
		Arguments:   process.Arguments,
		Environ:     process.Environ,
		Workdir:     process.Workdir,
		UserID:      process.UserID,
		GroupID:     process.GroupID,
		MemoryLimit: process.MemoryLimit,
		FilenoLimit: process.FilenoLimit,
	}
}
