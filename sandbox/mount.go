// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/arbor-run/arbor/lib/config"
)

// MountError reports a failed mount with enough context to diagnose a
// missing target or permission problem from the log alone. The text
// matches the operational pattern
// "Can't mount <kind> <target>: <reason> (os error N)".
type MountError struct {
	Kind   string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return fmt.Sprintf("Can't mount %s %s: %s (os error %d)",
			e.Kind, e.Target, errno.Error(), int(errno))
	}
	return fmt.Sprintf("Can't mount %s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// mountRoot bind-mounts the sandbox's root source onto the private
// mount point, read-only unless the root is writable. After this the
// mount point is a mount (a pivot_root requirement).
func mountRoot(mountDir string, root config.RootSpec) error {
	if err := unix.Mount(root.Source, mountDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return &MountError{Kind: "root", Target: mountDir, Err: err}
	}
	if !root.Writable {
		if err := remountReadonly(mountDir); err != nil {
			return &MountError{Kind: "root", Target: mountDir, Err: err}
		}
	}
	return nil
}

// applyDirective performs one mount directive inside the prepared
// root. The target path must already exist; a missing target fails
// the launch rather than being skipped or created.
func applyDirective(mountDir string, directive config.MountDirective) error {
	target := filepath.Join(mountDir, directive.Target)

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			err = unix.ENOENT
		}
		return &MountError{Kind: string(directive.Kind), Target: directive.Target, Err: err}
	}
	if !info.IsDir() {
		return &MountError{Kind: string(directive.Kind), Target: directive.Target, Err: unix.ENOTDIR}
	}

	switch directive.Kind {
	case config.MountBind:
		if err := unix.Mount(directive.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return &MountError{Kind: "bind", Target: directive.Target, Err: err}
		}
		if !directive.Writable {
			if err := remountReadonly(target); err != nil {
				return &MountError{Kind: "bind", Target: directive.Target, Err: err}
			}
		}
		return nil

	case config.MountTmpfs:
		options := fmt.Sprintf("mode=%#o", tmpfsMode(directive.Mode))
		if directive.Size > 0 {
			options = fmt.Sprintf("size=%d,%s", directive.Size, options)
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, options); err != nil {
			return &MountError{Kind: "tmpfs", Target: directive.Target, Err: err}
		}
		return nil

	case config.MountDevpts:
		if err := unix.Mount("devpts", target, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC,
			"newinstance,ptmxmode=0666,mode=0620"); err != nil {
			return &MountError{Kind: "devpts", Target: directive.Target, Err: err}
		}
		return nil

	case config.MountProc:
		if err := unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
			return &MountError{Kind: "proc", Target: directive.Target, Err: err}
		}
		return nil
	}

	return &MountError{Kind: string(directive.Kind), Target: directive.Target, Err: unix.EINVAL}
}

// remountReadonly converts an existing bind mount to read-only. A
// plain MS_BIND mount ignores MS_RDONLY, so a second remount pass is
// required.
func remountReadonly(target string) error {
	return unix.Mount("", target, "",
		unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID, "")
}

func tmpfsMode(mode uint32) uint32 {
	if mode == 0 {
		return 0o755
	}
	return mode
}
