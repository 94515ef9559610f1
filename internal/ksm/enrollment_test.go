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

import (
	"testing"

	"github.com/wilinz/ksmd/internal/hostvm"
)

func TestRegistryOptInThenLookup(t *testing.T) {
	var reg registry
	as := hostvm.NewSimulatedAS()

	s := reg.optIn(as, nil)
	if reg.count != 1 {
		t.Fatalf("count = %d, want 1", reg.count)
	}
	if got := reg.lookup(as.ID()); got != s {
		t.Fatalf("lookup did not return the opted-in slot")
	}
}

func TestRegistryOptInIsIdempotent(t *testing.T) {
	var reg registry
	as := hostvm.NewSimulatedAS()

	first := reg.optIn(as, nil)
	second := reg.optIn(as, nil)
	if first != second {
		t.Fatalf("opting in an already-enrolled address space allocated a new slot")
	}
	if reg.count != 1 {
		t.Fatalf("count = %d, want 1", reg.count)
	}
}

func TestRegistryOptInSplicesAfterCursor(t *testing.T) {
	var reg registry
	as0 := hostvm.NewSimulatedAS()
	as1 := hostvm.NewSimulatedAS()
	as2 := hostvm.NewSimulatedAS()

	s0 := reg.optIn(as0, nil)
	s2 := reg.optIn(as2, s0)
	// Now enroll as1 "mid-scan", as if the cursor currently sits at s0:
	// it must land after s0 (scanned last in the current pass), i.e.
	// between s0 and s2.
	s1 := reg.optIn(as1, s0)

	if s0.listNext != s1 {
		t.Fatalf("as1 was not spliced immediately after the cursor's slot")
	}
	if s1.listNext != s2 {
		t.Fatalf("as1 was not spliced before the slot that was previously after the cursor")
	}
}

func TestRegistryOnExitEmptyFreesImmediately(t *testing.T) {
	var reg registry
	as := hostvm.NewSimulatedAS()
	s := reg.optIn(as, nil)

	reg.onExit(s, nil)
	if reg.count != 0 {
		t.Fatalf("count = %d, want 0 (empty slot should free immediately)", reg.count)
	}
}

func TestRegistryOnExitWithItemsMarksDraining(t *testing.T) {
	var reg registry
	as := hostvm.NewSimulatedAS()
	s := reg.optIn(as, nil)
	s.itemsHead = allocRmapItem() // non-empty

	reg.onExit(s, nil)
	if reg.count != 1 {
		t.Fatalf("count = %d, want 1 (slot with items stays linked)", reg.count)
	}
	if !s.draining {
		t.Fatalf("slot with remaining items should be marked draining")
	}
}

func TestRegistryOnExitAtCursorStaysLinked(t *testing.T) {
	var reg registry
	as := hostvm.NewSimulatedAS()
	s := reg.optIn(as, nil)

	reg.onExit(s, s) // cursor currently sits at s
	if reg.count != 1 {
		t.Fatalf("count = %d, want 1 (cursor's own slot must not be freed out from under it)", reg.count)
	}
	if !s.draining {
		t.Fatalf("slot should be marked draining when the cursor references it")
	}
}
