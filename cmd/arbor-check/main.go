// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-check validates the full configuration the way the daemon
// would load it: the daemon config file, then every sandbox file in
// the sandbox directory. All problems are reported at once, so an
// operator fixes a broken deploy in one pass instead of replaying
// error by error. Exit status is nonzero when anything is invalid,
// making it usable as a pre-reload gate in deployment scripts.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/arbor-run/arbor/lib/config"
	"github.com/arbor-run/arbor/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var quiet bool

	flagSet := pflag.NewFlagSet("arbor-check", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/arbor/arbor.yaml", "path to the daemon configuration file")
	flagSet.BoolVarP(&quiet, "quiet", "q", false, "suppress the sandbox listing, report problems only")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	daemon, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}

	sandboxes, err := config.LoadSandboxDir(daemon.SandboxDir)
	if err != nil {
		// The loader joins every problem in the directory into one
		// error, one line each.
		return fmt.Errorf("sandbox configuration invalid:\n%w", err)
	}

	if quiet {
		return nil
	}

	fmt.Printf("daemon config %s: ok\n", configPath)
	fmt.Printf("sandbox dir %s: %d sandboxes\n", daemon.SandboxDir, len(sandboxes))
	for _, name := range sortedNames(sandboxes) {
		sb := sandboxes[name]
		fmt.Printf("  %s (root %s, %d mounts)\n", name, sb.Root.Source, len(sb.Mounts))
		for _, processName := range sb.ProcessNames() {
			spec := sb.Processes[processName]
			digest, err := sb.ProcessDigest(processName)
			if err != nil {
				return fmt.Errorf("digesting %s/%s: %w", name, processName, err)
			}
			fmt.Printf("    %s x%d: %s (spec %s)\n",
				processName, spec.Instances, spec.Executable, config.ShortDigest(digest))
		}
	}
	return nil
}

func sortedNames(sandboxes map[string]*config.SandboxConfig) []string {
	names := make([]string, 0, len(sandboxes))
	for name := range sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
