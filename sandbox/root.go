// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EnsureMountDir prepares the daemon-side mount point at startup: the
// directory is created, bind-mounted onto itself so it is a mount, and
// marked private so nothing the shims do underneath it ever propagates
// to the host namespace. Idempotent across daemon restarts.
func EnsureMountDir(mountDir string) error {
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return fmt.Errorf("creating mount dir: %w", err)
	}

	mounted, err := isMountPoint(mountDir)
	if err != nil {
		return err
	}
	if !mounted {
		if err := unix.Mount(mountDir, mountDir, "", unix.MS_BIND, ""); err != nil {
			return &MountError{Kind: "root", Target: mountDir, Err: err}
		}
	}
	if err := unix.Mount("", mountDir, "", unix.MS_PRIVATE, ""); err != nil {
		return &MountError{Kind: "root", Target: mountDir, Err: err}
	}
	return nil
}

// CleanupMountDir undoes EnsureMountDir on daemon shutdown. Errors
// are returned for logging but are not fatal: a busy mount point just
// stays around until the next boot.
func CleanupMountDir(mountDir string) error {
	if err := unix.Unmount(mountDir, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmounting %s: %w", mountDir, err)
	}
	if err := os.Remove(mountDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", mountDir, err)
	}
	return nil
}

// isMountPoint reports whether path is a mount point, by comparing
// its device id with its parent's.
func isMountPoint(path string) (bool, error) {
	var self, parent unix.Stat_t
	if err := unix.Stat(path, &self); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Stat(path+"/..", &parent); err != nil {
		return false, fmt.Errorf("stat %s/..: %w", path, err)
	}
	return self.Dev != parent.Dev, nil
}

// pivotInto makes the prepared tree at mountDir the process's root.
// The pivot uses the put-old-inside-new-root form: pivot_root(".", ".")
// stacks the old root on top of the new one, and a lazy unmount drops
// it. After this the host filesystem is unreachable.
func pivotInto(mountDir string) error {
	if err := unix.Chdir(mountDir); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to /: %w", err)
	}
	return nil
}
