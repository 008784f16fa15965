// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/arbor-run/arbor/lib/config"
)

// deviceNode is one character device created under the minimal devfs
// policy.
type deviceNode struct {
	name  string
	major uint32
	minor uint32
	mode  uint32
}

// minimalDevices is the node set sufficient for typical daemons:
// the null family, the random sources, and the controlling tty.
var minimalDevices = []deviceNode{
	{"null", 1, 3, 0o666},
	{"zero", 1, 5, 0o666},
	{"full", 1, 7, 0o666},
	{"random", 1, 8, 0o666},
	{"urandom", 1, 9, 0o666},
	{"tty", 5, 0, 0o666},
}

// populateDevfs fills <root>/dev according to the sandbox policy.
// "bind" mounts the host-prepared device directory read-only (device
// nodes still work; MS_RDONLY only blocks creating new ones).
// "minimal" builds a tmpfs with a small node set, a private devpts,
// and the conventional fd symlinks.
//
// The /dev directory must exist inside the root image under either
// policy; like any other mount target it is never auto-created.
func populateDevfs(mountDir string, policy config.DevfsPolicy, devfsDir string) error {
	target := filepath.Join(mountDir, "dev")
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			err = unix.ENOENT
		}
		return &MountError{Kind: "devfs", Target: "/dev", Err: err}
	}

	switch policy {
	case config.DevfsBind:
		if err := unix.Mount(devfsDir, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return &MountError{Kind: "devfs", Target: "/dev", Err: err}
		}
		return nil

	case config.DevfsMinimal:
		return createMinimalDevfs(target)
	}

	return &MountError{Kind: "devfs", Target: "/dev", Err: unix.EINVAL}
}

// createMinimalDevfs mounts a tmpfs at target and creates the minimal
// device set plus pts/ptmx and the /proc/self/fd symlinks.
func createMinimalDevfs(target string) error {
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID, "mode=0755,size=65536"); err != nil {
		return &MountError{Kind: "devfs", Target: "/dev", Err: err}
	}

	for _, node := range minimalDevices {
		path := filepath.Join(target, node.name)
		device := unix.Mkdev(node.major, node.minor)
		if err := unix.Mknod(path, unix.S_IFCHR|node.mode, int(device)); err != nil {
			return fmt.Errorf("creating device node /dev/%s: %w", node.name, err)
		}
	}

	ptsDir := filepath.Join(target, "pts")
	if err := os.Mkdir(ptsDir, 0o755); err != nil {
		return fmt.Errorf("creating /dev/pts: %w", err)
	}
	if err := unix.Mount("devpts", ptsDir, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC,
		"newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return &MountError{Kind: "devpts", Target: "/dev/pts", Err: err}
	}

	symlinks := map[string]string{
		"ptmx":   "pts/ptmx",
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	}
	for name, destination := range symlinks {
		if err := os.Symlink(destination, filepath.Join(target, name)); err != nil {
			return fmt.Errorf("creating /dev/%s symlink: %w", name, err)
		}
	}

	return nil
}
