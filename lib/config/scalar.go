// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding from either a Go
// duration string ("1s", "500ms") or a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes "5s"-style strings and plain numbers
// (interpreted as seconds, fractions allowed).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		if seconds, err := strconv.ParseFloat(asString, 64); err == nil {
			*d = Duration(time.Duration(seconds * float64(time.Second)))
			return nil
		}
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Signal is a termination signal configured by name ("SIGTERM") or
// number.
type Signal syscall.Signal

// Std returns the wrapped syscall.Signal.
func (s Signal) Std() syscall.Signal { return syscall.Signal(s) }

func (s Signal) String() string {
	for name, sig := range signalsByName {
		if sig == syscall.Signal(s) {
			return name
		}
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

var signalsByName = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
}

// ParseSignal resolves a signal name or decimal number.
func ParseSignal(text string) (Signal, error) {
	if sig, ok := signalsByName[strings.ToUpper(text)]; ok {
		return Signal(sig), nil
	}
	if number, err := strconv.Atoi(text); err == nil && number > 0 && number < 65 {
		return Signal(syscall.Signal(number)), nil
	}
	return 0, fmt.Errorf("unknown signal %q", text)
}

// UnmarshalYAML decodes a signal name or number.
func (s *Signal) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("invalid signal value on line %d", value.Line)
	}
	parsed, err := ParseSignal(text)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MountKind is the tagged kind of a mount directive.
type MountKind string

const (
	// MountBind bind-mounts a host path into the sandbox root.
	MountBind MountKind = "bind"
	// MountTmpfs mounts a fresh tmpfs at the target.
	MountTmpfs MountKind = "tmpfs"
	// MountDevpts mounts a private devpts instance at the target.
	MountDevpts MountKind = "devpts"
	// MountProc mounts procfs at the target.
	MountProc MountKind = "proc"
)

// Valid reports whether the kind is one of the known mount kinds.
func (k MountKind) Valid() bool {
	switch k {
	case MountBind, MountTmpfs, MountDevpts, MountProc:
		return true
	}
	return false
}

// DevfsPolicy selects how /dev is populated inside a sandbox.
type DevfsPolicy string

const (
	// DevfsBind bind-mounts the host-prepared device directory.
	DevfsBind DevfsPolicy = "bind"
	// DevfsMinimal creates a minimal device node set inside a tmpfs.
	DevfsMinimal DevfsPolicy = "minimal"
)

// Valid reports whether the policy is known.
func (p DevfsPolicy) Valid() bool {
	return p == DevfsBind || p == DevfsMinimal
}
