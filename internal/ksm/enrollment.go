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
	"github.com/wilinz/ksmd/internal/hostvm"
)

// hashBuckets is the number of buckets the enrollment registry's hash
// table uses. spec.md §9 notes the source's bucket derivation (dividing
// the mm_struct pointer by its own size) is a poor hash for some allocator
// patterns; we key by an integer hash of the AddressSpaceID instead. See
// DESIGN.md for the behavioral consequence of that change.
const hashBuckets = 1024

// registry is the enrollment registry of spec.md §4.F: per-address-space
// membership, hash-bucketed lookup, and the Enrolled/Draining/Gone state
// machine.
type registry struct {
	buckets [hashBuckets]*AddressSpaceSlot // hash chains, guarded by mmlistMu
	head    *AddressSpaceSlot              // enrollment list, guarded by mmlistMu
	tail    *AddressSpaceSlot
	count   int
}

// asIDHash is a standard integer mixing hash (SplitMix64's finalizer),
// used instead of the source's pointer-division bucketing.
func asIDHash(id hostvm.AddressSpaceID) uint64 {
	x := uint64(id)
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}

func bucketFor(id hostvm.AddressSpaceID) int {
	return int(asIDHash(id) % hashBuckets)
}

// lookup finds the slot for as, if enrolled.
func (reg *registry) lookup(id hostvm.AddressSpaceID) *AddressSpaceSlot {
	for s := reg.buckets[bucketFor(id)]; s != nil; s = s.hashNext {
		if s.as.ID() == id {
			return s
		}
	}
	return nil
}

// optIn implements spec.md §4.F opt_in: allocate a slot (if not already
// enrolled) and splice it into the enrollment list immediately after
// `after` (the scan cursor's current slot), so a newly enrolled address
// space is scanned last in the current pass.
func (reg *registry) optIn(as hostvm.AddressSpace, after *AddressSpaceSlot) *AddressSpaceSlot {
	id := as.ID()
	if s := reg.lookup(id); s != nil {
		s.draining = false
		return s
	}
	s := &AddressSpaceSlot{as: as}

	b := bucketFor(id)
	s.hashNext = reg.buckets[b]
	reg.buckets[b] = s

	if after == nil {
		// No cursor position yet (first-ever enrollment): append at tail.
		after = reg.tail
	}
	if after == nil {
		reg.head, reg.tail = s, s
	} else {
		s.listNext = after.listNext
		s.listPrev = after
		if after.listNext != nil {
			after.listNext.listPrev = s
		} else {
			reg.tail = s
		}
		after.listNext = s
	}
	reg.count++
	return s
}

// onExit implements spec.md §4.F on_exit. If cursor does not reference
// this slot and its list is empty, the slot is freed immediately;
// otherwise it's left linked and marked draining for the scanner to
// discover and free on its next pass.
func (reg *registry) onExit(s *AddressSpaceSlot, cursorAt *AddressSpaceSlot) {
	if s.empty() && cursorAt != s {
		reg.remove(s)
		return
	}
	s.draining = true
}

// remove unlinks s from both the hash bucket and the enrollment list. The
// slot transitions to Gone; it must not be touched again afterward.
func (reg *registry) remove(s *AddressSpaceSlot) {
	b := bucketFor(s.as.ID())
	if reg.buckets[b] == s {
		reg.buckets[b] = s.hashNext
	} else {
		for p := reg.buckets[b]; p != nil; p = p.hashNext {
			if p.hashNext == s {
				p.hashNext = s.hashNext
				break
			}
		}
	}

	if s.listPrev != nil {
		s.listPrev.listNext = s.listNext
	} else if reg.head == s {
		reg.head = s.listNext
	}
	if s.listNext != nil {
		s.listNext.listPrev = s.listPrev
	} else if reg.tail == s {
		reg.tail = s.listPrev
	}
	s.listPrev, s.listNext, s.hashNext = nil, nil, nil
	reg.count--
}
