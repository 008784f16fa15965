// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox builds the private execution environment a
// supervised process runs in: the bind-mounted root filesystem, the
// ordered mount directives, the /dev population, and the pivot_root
// that promotes the prepared tree to /.
//
// Everything in this package runs inside the child's freshly unshared
// mount namespace (the arbor-shim binary), so its side effects are
// invisible to the host and to other sandboxes. The daemon side only
// uses Spec, WriteSpecFile, and EnsureMountDir.
package sandbox
