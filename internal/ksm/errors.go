// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ksm

import "errors"

// Error kinds surfaced internally, per spec.md §7; none of them are fatal
// to the worker. Scan steps return no error: an abandoned step is logged,
// and a PTE race is reported as a merge result rather than as ErrRace.
// ErrRace and ErrNotApplicable are declared but not returned by this
// package (Advise returns nil for a forbidden region).
var (
	// ErrNoMemory indicates an allocation (RmapItem or canonical page)
	// failed. The step is abandoned; no counters change.
	ErrNoMemory = errors.New("ksm: allocation failed")

	// ErrRace indicates a PTE or VMA changed out from under the merge
	// protocol. The step is abandoned; break-COW may run to restore
	// invariants.
	ErrRace = errors.New("ksm: concurrent modification")

	// ErrInterrupted indicates the calling goroutine was signaled to
	// stop during a long-running Unmerge pass.
	ErrInterrupted = errors.New("ksm: interrupted")

	// ErrInvalidArgument indicates a control-surface knob write was out
	// of range or unparsable.
	ErrInvalidArgument = errors.New("ksm: invalid argument")

	// ErrNotApplicable indicates advise(Mergeable) was rejected because
	// the region carries a forbidden flag. Per host convention this is
	// not surfaced as a hard failure by callers of Advise.
	ErrNotApplicable = errors.New("ksm: region not applicable")
)
