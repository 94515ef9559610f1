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
	"github.com/wilinz/gvisor/pkg/hostarch"
	"github.com/wilinz/ksmd/internal/hostvm"
)

// VirtualSite identifies where a candidate page is currently mapped. It is
// not an owner of the page (spec.md §3).
type VirtualSite struct {
	AS   hostvm.AddressSpace
	Addr hostarch.Addr
}

// role is the tagged-variant replacement for the source's low-bit-in-
// address encoding (spec.md §9): a straight sum type on RmapItem instead
// of stealing bits 0-9 of a virtual address.
type role int

const (
	// roleFresh is a newly allocated or demoted item: tracked, but in
	// neither tree.
	roleFresh role = iota
	// roleUnstableNode means the item is a live node of the unstable
	// tree, valid only while seqnr matches the engine's current seqnr.
	roleUnstableNode
	// roleStableNode means the item is the tree-resident representative
	// of a stable-tree node; chainNext is the head of its sharer chain
	// (possibly nil).
	roleStableNode
	// roleStableSharer means the item hangs off some other item's
	// sharer chain rather than being tree-resident itself.
	roleStableSharer
)

func (r role) String() string {
	switch r {
	case roleFresh:
		return "fresh"
	case roleUnstableNode:
		return "unstable"
	case roleStableNode:
		return "stable-node"
	case roleStableSharer:
		return "stable-sharer"
	default:
		return "unknown"
	}
}

// RmapItem is one reverse-map record per tracked VirtualSite. It is
// arena-owned: AddressSpaceSlot exclusively holds the per-AS list, and
// both trees store handles (pointers) into that arena rather than owning
// copies, matching the "explicit ownership graph" design in spec.md §9.
type RmapItem struct {
	// slot is the owning AddressSpaceSlot. Set once at allocation.
	slot *AddressSpaceSlot

	// listPrev/listNext order this item within slot's RmapItem list,
	// ascending by Site.Addr. Guarded by the engine (single-writer:
	// the background worker), except during on_exit teardown which is
	// guarded by the mmlist spinlock via AddressSpaceSlot.
	listPrev, listNext *RmapItem

	site VirtualSite

	// checksum is the last-seen fingerprint, valid only while role is
	// roleFresh or roleUnstableNode.
	checksum uint32

	// snapshot is a cached copy of the page bytes as observed at the
	// moment this item last became tree-resident (stable or unstable).
	// The twin trees order by (checksum, snapshot) rather than re-reading
	// live page content on every comparison during a descent: stable-tree
	// pages are write-protected and therefore genuinely immutable for the
	// node's tree lifetime, and unstable-tree inserts only happen after
	// two observations already agreed on checksum, so caching here is a
	// deliberate, documented approximation of the source's always-live
	// comparator (spec.md §9 Open Questions).
	snapshot []byte

	role role

	// seqnr is meaningful only when role == roleUnstableNode: the scan
	// generation at which this item was inserted. A stale seqnr (not
	// equal to the engine's current generation) means the unstable tree
	// was already reset and this item's tree fields are dead, per the
	// lazy age-bit check in spec.md §4.D.
	seqnr uint64

	// chainNext/chainPrev link the sharer chain. For roleStableNode,
	// chainNext is the head of the chain of additional sharers (each
	// roleStableSharer); chainPrev is unused. For roleStableSharer,
	// both are used as a doubly-linked list within the chain; the first
	// sharer's chainPrev is the node itself.
	chainNext, chainPrev *RmapItem

	// canonical is the shared page this item's site currently maps,
	// valid for roleStableNode and roleStableSharer.
	canonical hostvm.Page
}

// Site returns the VirtualSite this item tracks.
func (r *RmapItem) Site() VirtualSite { return r.site }

// Role exposes the current tagged role, for tests and invariant checks.
func (r *RmapItem) Role() string { return r.role.String() }

// AddressSpaceSlot is the per-enrolled-address-space record (spec.md §3).
type AddressSpaceSlot struct {
	as hostvm.AddressSpace

	// hashNext chains slots within one enrollment-registry hash bucket.
	hashNext *AddressSpaceSlot

	// listPrev/listNext order this slot within the engine's enrollment
	// list; the scan cursor advances along this list.
	listPrev, listNext *AddressSpaceSlot

	// itemsHead is the head of this AS's RmapItem list, ordered ascending
	// by VirtualAddress. Exclusively owned by this slot.
	itemsHead *RmapItem

	// draining is set by on_exit when the slot cannot be freed at once
	// (items remain, or the cursor is on it). The scanner unlinks a
	// draining slot when its pass over the slot's regions ends. scanOne
	// does not read this flag; it skips the sites of a torn-down address
	// space through AddressSpace.TornDown instead (spec.md §4.F state
	// machine).
	draining bool
}

// AddressSpace returns the underlying host address space.
func (s *AddressSpaceSlot) AddressSpace() hostvm.AddressSpace { return s.as }

// empty reports whether the slot's RmapItem list has no items left.
func (s *AddressSpaceSlot) empty() bool { return s.itemsHead == nil }

// ScanCursor is the engine's singleton scan position (spec.md §3).
type ScanCursor struct {
	slot *AddressSpaceSlot
	addr hostarch.Addr  // next virtual address to examine within slot
	item *RmapItem      // current position within slot.itemsHead list; nil before first item

	// seqnr counts completed full scans. Incremented each time the
	// cursor wraps past the last address space.
	seqnr uint64
}
