// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so restart backoff
// and shutdown deadlines can be tested without real sleeps.
package clock
