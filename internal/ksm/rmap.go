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
	"sync"

	"github.com/wilinz/gvisor/pkg/hostarch"
)

// rmapPool is the pool-allocated, zero-initialized source of RmapItems
// (spec.md §4.C). Using sync.Pool rather than a hand-rolled freelist
// matches the teacher's own preference for stdlib-idiomatic pooling where
// no domain library in the stack specializes in arena allocation; see
// DESIGN.md.
var rmapPool = sync.Pool{
	New: func() any { return new(RmapItem) },
}

func allocRmapItem() *RmapItem {
	r := rmapPool.Get().(*RmapItem)
	*r = RmapItem{}
	return r
}

func freeRmapItem(r *RmapItem) {
	rmapPool.Put(r)
}

// insertRmapItem links r into slot's per-AS list in ascending-VirtualAddress
// order, starting the search from after, which the caller positions at or
// before r's address (typically the scan cursor's current item) so the
// common case — appending near the cursor — is O(1) amortized rather than
// O(n) from the list head every time (spec.md §4.C).
func insertRmapItem(slot *AddressSpaceSlot, after *RmapItem, r *RmapItem) {
	r.slot = slot
	if after == nil {
		// Insert at head, or into an empty list.
		r.listNext = slot.itemsHead
		if slot.itemsHead != nil {
			slot.itemsHead.listPrev = r
		}
		slot.itemsHead = r
		return
	}
	r.listNext = after.listNext
	r.listPrev = after
	if after.listNext != nil {
		after.listNext.listPrev = r
	}
	after.listNext = r
}

// unlinkRmapItem removes r from its owning slot's list without freeing it.
func unlinkRmapItem(r *RmapItem) {
	if r.listPrev != nil {
		r.listPrev.listNext = r.listNext
	} else if r.slot != nil && r.slot.itemsHead == r {
		r.slot.itemsHead = r.listNext
	}
	if r.listNext != nil {
		r.listNext.listPrev = r.listPrev
	}
	r.listPrev, r.listNext = nil, nil
}

// findRmapItem scans slot's list starting at cursor (or the head, if
// cursor is nil) for an item at addr. The scan is O(n) per step but
// amortized across the cursor's monotonic advance, per spec.md §4.C.
func findRmapItem(slot *AddressSpaceSlot, cursor *RmapItem, addr hostarch.Addr) (item *RmapItem, prev *RmapItem) {
	start := slot.itemsHead
	if cursor != nil {
		start = cursor
	}
	var before *RmapItem
	for it := start; it != nil; it = it.listNext {
		if it.site.Addr == addr {
			return it, before
		}
		if it.site.Addr > addr {
			return nil, before
		}
		before = it
	}
	return nil, before
}

// Pruning stale items behind the cursor's current address (spec.md §4.C discard_above) is
// performed inline by the scanner (see pruneStaleBefore in scanner.go),
// which alone knows the current region set needed to decide coverage.

// detachRmapItem removes r from whichever tree (if any) currently holds
// it, decrementing the matching engine counter in the same step,
// centralizing the counter/role bookkeeping the source scattered across
// tree operations (spec.md §9 "centralize counter updates at role
// transitions"). Every call site that retires r's current tree role —
// whether permanently (pruning a stale item, opting out a range) or to
// immediately re-home it under a different node (a successful merge) —
// must go through this function rather than calling the tree methods
// directly, or pages_shared/pages_sharing/pages_unshared drift
// permanently out of sync with the trees' own node/sharer counts
// (spec.md §8 invariant 3).
func detachRmapItem(e *Engine, r *RmapItem) {
	switch r.role {
	case roleStableNode:
		if r.chainNext != nil {
			e.stable.spliceDeadHead(r)
			e.pagesSharing.Add(-1)
		} else {
			e.stable.eraseNode(r)
			e.pagesShared.Add(-1)
		}
	case roleStableSharer:
		e.stable.unlinkSharer(r)
		e.pagesSharing.Add(-1)
	case roleUnstableNode:
		// A node of an earlier generation was already subtracted from
		// pages_unshared when the unstable tree was reset.
		if r.seqnr == e.unstable.seqnr {
			e.pagesUnshared.Add(-1)
		}
		e.unstable.erase(r)
	}
}
