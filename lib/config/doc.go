// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the Arbor configuration model and its
// loading and validation.
//
// The daemon reads one global config file plus a directory of
// per-sandbox files. Sandbox files may be YAML (.yaml, .yml) or JSON
// with comments (.json, .jsonc); JSONC is stripped to plain JSON and
// parsed through the YAML decoder, which accepts JSON as a subset.
//
// Loaded configuration is a pure value: the supervisor never mutates
// it, and a changed process spec is a new identity (see ProcessDigest)
// rather than an in-place update.
package config
