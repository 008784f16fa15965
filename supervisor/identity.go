// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "fmt"

// Identity names one supervised process instance. At most one running
// OS process is ever associated with an Identity; a spec content
// change keeps the Identity but swaps the digest, which the reconciler
// treats as remove-old + add-new.
type Identity struct {
	Sandbox  string
	Process  string
	Instance int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s.%d", id.Sandbox, id.Process, id.Instance)
}
