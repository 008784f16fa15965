// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

// buildInotifyEvent encodes one raw inotify event with a null-padded
// name, the way the kernel hands them out.
func buildInotifyEvent(mask uint32, name string) []byte {
	// Pad the name to a 16-byte boundary like the kernel does.
	nameLength := 0
	if name != "" {
		nameLength = (len(name) + 1 + 15) &^ 15
	}
	event := make([]byte, unix.SizeofInotifyEvent+nameLength)
	binary.NativeEndian.PutUint32(event[4:8], mask)
	binary.NativeEndian.PutUint32(event[12:16], uint32(nameLength))
	copy(event[unix.SizeofInotifyEvent:], name)
	return event
}

func TestBatchTouchesSandboxFile(t *testing.T) {
	cases := []struct {
		name  string
		names []string
		want  bool
	}{
		{"yaml file", []string{"web.yaml"}, true},
		{"jsonc file", []string{"db.jsonc"}, true},
		{"editor temp file", []string{"web.yaml.swp"}, false},
		{"hidden file", []string{".web.yaml"}, false},
		{"unrelated extension", []string{"notes.txt"}, false},
		{"nameless event", []string{""}, false},
		{"match after noise", []string{"notes.txt", ".hidden.yml", "web.yml"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buffer []byte
			for _, name := range tc.names {
				buffer = append(buffer, buildInotifyEvent(unix.IN_CLOSE_WRITE, name)...)
			}
			if got := batchTouchesSandboxFile(buffer); got != tc.want {
				t.Errorf("batchTouchesSandboxFile(%v) = %v, want %v", tc.names, got, tc.want)
			}
		})
	}
}

func TestBatchIgnoresTruncatedEvent(t *testing.T) {
	event := buildInotifyEvent(unix.IN_CLOSE_WRITE, "web.yaml")
	if batchTouchesSandboxFile(event[:len(event)-4]) {
		t.Error("truncated trailing event must not match")
	}
}
