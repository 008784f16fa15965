// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// watchSandboxDir watches the sandbox configuration directory via
// inotify and signals on the returned channel whenever a sandbox file
// is written, created, renamed, or deleted. Notifications coalesce: a
// burst of events produces at least one signal, not one per event.
// The caller debounces and reloads.
//
// Returns the notification channel and a cleanup function that stops
// the watcher and releases the inotify file descriptor. The cleanup
// function is safe to call multiple times.
func watchSandboxDir(directory string) (<-chan struct{}, func(), error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("inotify_init1: %w", err)
	}

	mask := uint32(unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_MOVED_TO |
		unix.IN_MOVED_FROM | unix.IN_DELETE)
	if _, err := unix.InotifyAddWatch(fd, directory, mask); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("inotify_add_watch on %s: %w", directory, err)
	}

	changed := make(chan struct{}, 1)
	stopChannel := make(chan struct{})

	go inotifyReadLoop(fd, changed, stopChannel)

	cleanedUp := false
	cleanup := func() {
		if cleanedUp {
			return
		}
		cleanedUp = true
		close(stopChannel)
	}

	return changed, cleanup, nil
}

// inotifyReadLoop polls the inotify fd and forwards a coalesced signal
// for every batch of events touching a sandbox config file. Closes the
// fd when the loop exits.
//
// Uses poll(2) with a 100ms timeout so the goroutine stays responsive
// to the stop signal without a busy loop.
func inotifyReadLoop(fd int, changed chan<- struct{}, stopChannel <-chan struct{}) {
	defer unix.Close(fd)

	buffer := make([]byte, 4096)
	for {
		select {
		case <-stopChannel:
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if count == 0 {
			continue // timeout, check stopChannel
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}

		if batchTouchesSandboxFile(buffer[:bytesRead]) {
			// Non-blocking: one pending signal is enough, the
			// reader reloads the whole directory anyway.
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	}
}

// batchTouchesSandboxFile scans a buffer of raw inotify events for one
// naming a file the config loader would pick up; editor temp files and
// hidden files do not trigger reloads.
//
// Inotify event layout (from inotify(7)):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, padded to alignment
//	};
func batchTouchesSandboxFile(buffer []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		if nameLength > 0 {
			nameBytes := buffer[offset+unix.SizeofInotifyEvent : offset+eventSize]
			if isSandboxFileName(nullTerminatedString(nameBytes)) {
				return true
			}
		}

		offset += eventSize
	}
	return false
}

// isSandboxFileName mirrors the config loader's file selection: a
// non-hidden name with a recognized config extension.
func isSandboxFileName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	switch {
	case strings.HasSuffix(name, ".yaml"),
		strings.HasSuffix(name, ".yml"),
		strings.HasSuffix(name, ".json"),
		strings.HasSuffix(name, ".jsonc"):
		return true
	}
	return false
}

// nullTerminatedString extracts a string from a null-padded byte
// slice, stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
