// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by the Arbor binaries:
// the standard main() error handler and exit-status inspection for
// supervised children.
package process
