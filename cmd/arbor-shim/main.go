// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-shim is the in-namespace half of the supervisor. The daemon
// spawns it with an already-unshared mount namespace; the shim reads
// the CBOR launch spec, prepares the sandbox filesystem, pivots into
// it, drops privileges, and execs the target program. On success it
// never returns — the target keeps the shim's pid, so the daemon's
// handle on the child stays valid across the exec.
//
// The shim's stdout and stderr are the sandbox's log sink, so every
// failure below lands in the sandbox log where an operator will look
// for it, in the form "Fatal error: <cause>".
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/arbor-run/arbor/sandbox"
)

func main() {
	var name string
	var specPath string

	flagSet := pflag.NewFlagSet("arbor-shim", pflag.ContinueOnError)
	flagSet.StringVar(&name, "name", "", "process identity, for ps visibility only")
	flagSet.StringVar(&specPath, "spec", "", "path to the CBOR launch spec (required)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fatal(err)
	}
	if specPath == "" {
		fatal(errors.New("--spec is required"))
	}

	spec, err := sandbox.ReadSpecFile(specPath)
	if err != nil {
		fatal(err)
	}

	// Enter only returns on error; on success the target has
	// replaced this process.
	fatal(sandbox.Enter(spec))
}

// fatal reports the launch failure on stderr (the sandbox log) and
// exits nonzero so the daemon sees a failed incarnation.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
	os.Exit(121)
}
