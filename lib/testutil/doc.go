// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel helpers with timeouts so engine
// tests never hang on a missed event.
package testutil
