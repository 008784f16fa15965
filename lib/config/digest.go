// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// specEncoding is the canonical CBOR mode used for digest inputs:
// sorted map keys and shortest-form integers make the encoding
// deterministic across processes and versions.
var specEncoding cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("config: building canonical CBOR mode: %v", err))
	}
	specEncoding = mode
}

// digestInput is everything that defines a process's runtime identity:
// its own spec plus the sandbox filesystem it runs in. Changing any of
// these fields must relaunch the process, so all of them feed the
// digest.
type digestInput struct {
	Root    RootSpec
	Mounts  []MountDirective
	Devfs   DevfsPolicy
	Process ProcessSpec
}

// ProcessDigest returns the blake3 digest (hex) identifying the named
// process spec within this sandbox. Two equal digests mean the running
// process needs no relaunch on reload; the reconciler treats a digest
// change as remove-old + add-new.
func (s *SandboxConfig) ProcessDigest(name string) (string, error) {
	spec, ok := s.Processes[name]
	if !ok {
		return "", fmt.Errorf("sandbox %q has no process %q", s.Name, name)
	}

	encoded, err := specEncoding.Marshal(digestInput{
		Root:    s.Root,
		Mounts:  s.Mounts,
		Devfs:   s.Devfs,
		Process: spec,
	})
	if err != nil {
		return "", fmt.Errorf("encoding spec for digest: %w", err)
	}

	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// ShortDigest truncates a digest for log lines.
func ShortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
