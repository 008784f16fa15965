// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbor-run/arbor/lib/config"
)

// LogRouter owns the per-sandbox log sinks. A child's stdout and
// stderr are both pointed at its sandbox's sink at launch, before any
// namespace work, so all processes of a sandbox interleave into one
// append-only file. Rotation is external: the file is opened with
// O_APPEND and reopened on the next launch after a Release, so a
// rename-based rotator works without signaling.
//
// The router is called only from the supervisor's control goroutine
// and needs no locking.
type LogRouter struct {
	logDir string
	sinks  map[string]*os.File
}

// NewLogRouter builds a router writing under logDir by default.
func NewLogRouter(logDir string) *LogRouter {
	return &LogRouter{
		logDir: logDir,
		sinks:  make(map[string]*os.File),
	}
}

// Sink returns the sandbox's open log sink, opening it on first use.
// A sandbox with discard_log set gets /dev/null.
func (r *LogRouter) Sink(sb *config.SandboxConfig) (*os.File, error) {
	if sink, ok := r.sinks[sb.Name]; ok {
		return sink, nil
	}

	path := r.sinkPath(sb)
	sink, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log sink for sandbox %s: %w", sb.Name, err)
	}
	r.sinks[sb.Name] = sink
	return sink, nil
}

// sinkPath resolves the sandbox's log destination.
func (r *LogRouter) sinkPath(sb *config.SandboxConfig) string {
	if sb.DiscardLog {
		return os.DevNull
	}
	if sb.LogFile != "" {
		return sb.LogFile
	}
	return filepath.Join(r.logDir, sb.Name+".log")
}

// Release closes the sandbox's sink. Safe when no sink is open.
// Children already launched keep writing through their inherited
// descriptor until they exit.
func (r *LogRouter) Release(sandboxName string) {
	if sink, ok := r.sinks[sandboxName]; ok {
		sink.Close()
		delete(r.sinks, sandboxName)
	}
}

// CloseAll closes every open sink at shutdown.
func (r *LogRouter) CloseAll() {
	for name, sink := range r.sinks {
		sink.Close()
		delete(r.sinks, name)
	}
}
