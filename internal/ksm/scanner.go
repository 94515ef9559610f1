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
	"runtime"

	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/gvisor/pkg/hostarch"
	"github.com/wilinz/ksmd/internal/hostvm"
)

// Scan implements spec.md §4.E's scan(budget_pages): examine up to
// budgetPages candidate virtual sites, classifying and merging where
// possible, yielding cooperatively between pages.
func (e *Engine) Scan(ctx gcontext.Context, budgetPages int) {
	for budgetPages > 0 {
		site, slot, ok := e.advanceCursor(ctx)
		if !ok {
			return // nothing enrolled; caller decides whether to wait
		}
		e.scanOne(ctx, site, slot)
		budgetPages--
		runtime.Gosched()
	}
}

// advanceCursor implements spec.md §4.E step 1: advance to the next
// RmapItem within the current AS/region, or to the next region, next AS,
// or wrap (incrementing seqnr and resetting the unstable tree).
func (e *Engine) advanceCursor(ctx gcontext.Context) (VirtualSite, *AddressSpaceSlot, bool) {
	e.mmlistMu.Lock()
	defer e.mmlistMu.Unlock()

	for {
		if e.cursor.slot == nil {
			if e.reg.head == nil {
				return VirtualSite{}, nil, false
			}
			e.enterSlotLocked(e.reg.head)
		}

		slot := e.cursor.slot

		if slot.as.TornDown() && slot.empty() {
			e.reg.remove(slot)
			e.advanceSlotLocked(slot.listNext)
			continue
		}

		// mmlistMu is a leaf lock: drop it while the AS lock is held. Only
		// this worker moves the cursor, and on_exit never unlinks the
		// cursor's own slot, so slot stays linked meanwhile.
		e.mmlistMu.Unlock()
		unlock := slot.as.Lock()
		regions := slot.as.EnrolledRegions()
		unlock()
		e.mmlistMu.Lock()
		addr, found := nextAddrInRegions(regions, e.cursor.addr)

		if !found {
			next := slot.listNext
			if slot.empty() || slot.draining {
				e.reg.remove(slot)
			}
			e.advanceSlotLocked(next)
			continue
		}

		e.cursor.addr = addr + hostvm.PageSize
		return VirtualSite{AS: slot.as, Addr: addr}, slot, true
	}
}

// enterSlotLocked positions the cursor at the start of slot. Caller holds
// mmlistMu.
func (e *Engine) enterSlotLocked(slot *AddressSpaceSlot) {
	e.cursor.slot = slot
	e.cursor.addr = 0
	e.cursor.item = nil
}

// advanceSlotLocked moves the cursor to next, or wraps if next is nil,
// completing a full scan (spec.md §4.E / §8 scenario 5). Caller holds
// mmlistMu.
func (e *Engine) advanceSlotLocked(next *AddressSpaceSlot) {
	if next == nil {
		e.cursor.slot = nil
		e.cursor.addr = 0
		e.cursor.item = nil
		e.cursor.seqnr++
		e.fullScans.Add(1)
		// Items still resident in the old generation are orphaned wholesale
		// here rather than walked one-by-one (spec.md §9 design note): fix
		// up pages_unshared in the same O(1) step so it keeps reporting
		// exactly the current generation's unstable-tree population.
		e.pagesUnshared.Add(-int64(e.unstable.count))
		e.unstable = newUnstableTree(e.cursor.seqnr)
		return
	}
	e.enterSlotLocked(next)
}

// nextAddrInRegions returns the next page-aligned address at or after from
// that falls within one of regions (sorted ascending, non-overlapping).
func nextAddrInRegions(regions []hostvm.Region, from hostarch.Addr) (hostarch.Addr, bool) {
	for _, r := range regions {
		start := r.Range.Start
		if from > start {
			start = from
		}
		if start < r.Range.End {
			return start, true
		}
	}
	return 0, false
}

// scanOne implements spec.md §4.E steps 2-8 for a single candidate site.
func (e *Engine) scanOne(ctx gcontext.Context, site VirtualSite, slot *AddressSpaceSlot) {
	if site.AS.TornDown() {
		return // no page-table walks once teardown has begun
	}

	// Hold the AS lock only to read the region list: it is released before
	// any allocation or PTE operation below.
	unlock := site.AS.Lock()
	regions := site.AS.EnrolledRegions()
	unlock()

	covered := func(a hostarch.Addr) bool {
		_, ok := nextAddrInRegionsExact(regions, a)
		return ok
	}
	e.pruneStaleBefore(slot, site.Addr, covered)

	item := e.itemFor(slot, site)

	if item.role == roleStableNode || item.role == roleStableSharer {
		e.demoteIfUnshared(ctx, item)
		if item.role == roleStableNode || item.role == roleStableSharer {
			return // still genuinely shared; nothing more to do this pass
		}
	}

	page, ok := e.host.FollowPage(ctx, site.AS, site.Addr, hostvm.Get)
	if !ok {
		return // not anonymous / unmapped: skip
	}
	defer page.Put()

	snapshot := make([]byte, hostvm.PageSize)
	if err := page.ReadAt(snapshot); err != nil {
		e.log.WithError(err).Warn("read candidate page failed")
		return
	}
	sum := checksumBytes(snapshot)

	headValid := func(n *RmapItem) bool {
		if e.stableHeadValid(ctx, n) {
			return true
		}
		// search splices the dead head out itself; pair that with the
		// counter update detachRmapItem makes for the same splice.
		if n.chainNext != nil {
			e.pagesSharing.Add(-1)
		} else {
			e.pagesShared.Add(-1)
		}
		return false
	}
	if match := e.stable.search(sum, snapshot, headValid); match != nil {
		e.tryMergeOntoStable(ctx, site, item, page, match)
		return
	}

	if sum != item.checksum {
		item.checksum = sum
		item.role = roleFresh
		return // content still volatile relative to last observation
	}

	e.tryMergeWithUnstable(ctx, site, item, page, sum, snapshot)
}

// itemFor returns the RmapItem tracking addr within slot, allocating and
// linking a fresh one (role Fresh) if none exists yet.
func (e *Engine) itemFor(slot *AddressSpaceSlot, site VirtualSite) *RmapItem {
	item, prev := findRmapItem(slot, e.cursor.item, site.Addr)
	if item == nil {
		item = allocRmapItem()
		item.site = site
		insertRmapItem(slot, prev, item)
	}
	e.cursor.item = item
	return item
}

// pruneStaleBefore drops items in slot's list, strictly before upTo, whose
// address is no longer covered by any enrolled region (spec.md §4.C
// discard_above).
func (e *Engine) pruneStaleBefore(slot *AddressSpaceSlot, upTo hostarch.Addr, covered func(hostarch.Addr) bool) {
	for it := slot.itemsHead; it != nil && it.site.Addr < upTo; {
		next := it.listNext
		if !covered(it.site.Addr) {
			detachRmapItem(e, it)
			if e.cursor.item == it {
				e.cursor.item = nil
			}
			unlinkRmapItem(it)
			freeRmapItem(it)
		}
		it = next
	}
}

func nextAddrInRegionsExact(regions []hostvm.Region, addr hostarch.Addr) (hostarch.Addr, bool) {
	for _, r := range regions {
		if r.Range.Contains(addr) {
			return addr, true
		}
	}
	return 0, false
}

// stableHeadValid reports whether node's site still maps node's canonical
// page, used to detect an invalidated stable-tree head (spec.md §4.D).
func (e *Engine) stableHeadValid(ctx gcontext.Context, node *RmapItem) bool {
	p, ok := e.host.FollowPage(ctx, node.site.AS, node.site.Addr, hostvm.Get)
	if !ok {
		return false
	}
	defer p.Put()
	return p.Identity() == node.canonical.Identity()
}

// demoteIfUnshared implements spec.md §4.E step 4: if item's canonical
// page now has mapcount 1 (this site is its last mapper), break-COW it and
// demote item back to Fresh.
func (e *Engine) demoteIfUnshared(ctx gcontext.Context, item *RmapItem) {
	if item.canonical == nil || item.canonical.MapCount() != 1 {
		return
	}
	if err := e.pte.breakCOW(ctx, item.site); err != nil {
		e.log.WithError(err).Warn("break_cow failed while demoting unshared page")
		return
	}
	detachRmapItem(e, item)
	item.role = roleFresh
	item.canonical = nil
	if p, ok := e.host.FollowPage(ctx, item.site.AS, item.site.Addr, hostvm.Get); ok {
		if sum, err := checksum(p); err == nil {
			item.checksum = sum
		}
		p.Put()
	}
}

// tryMergeOntoStable implements spec.md §4.E step 5.
func (e *Engine) tryMergeOntoStable(ctx gcontext.Context, site VirtualSite, item *RmapItem, page hostvm.Page, match *RmapItem) {
	res, err := e.pte.mergeSiteOnto(ctx, site, page, match.canonical)
	if err != nil {
		e.log.WithError(err).Warn("merge onto stable node failed")
		return
	}
	if res != mergeOK {
		return
	}
	detachRmapItem(e, item)
	item.canonical = match.canonical
	e.stable.append(match, item)
	e.pagesSharing.Add(1)
}

// tryMergeWithUnstable implements spec.md §4.E step 7.
func (e *Engine) tryMergeWithUnstable(ctx gcontext.Context, site VirtualSite, item *RmapItem, page hostvm.Page, sum uint32, snapshot []byte) {
	identity := page.Identity()
	nodeIdentity := func(other *RmapItem) any {
		p, ok := e.host.FollowPage(ctx, other.site.AS, other.site.Addr, hostvm.Get)
		if !ok {
			return nil
		}
		defer p.Put()
		return p.Identity()
	}

	match, inserted := e.unstable.searchOrInsert(item, sum, snapshot, identity, nodeIdentity)
	if inserted {
		e.pagesUnshared.Add(1)
		return
	}
	if match == nil {
		return // same physical page observed twice: abandon, no mutation.
	}
	if e.atMaxKernelPages() {
		return // cap reached: no new StableNodes.
	}

	matchPage, ok := e.host.FollowPage(ctx, match.site.AS, match.site.Addr, hostvm.Get)
	if !ok {
		return // match went stale; the unstable tree will drop it lazily.
	}
	defer matchPage.Put()

	matchChecksum, matchSnapshot := match.checksum, match.snapshot
	canonical, res, err := e.pte.mergeTwoCandidates(ctx, match.site, matchPage, site, page)
	if err != nil {
		e.log.WithError(err).Warn("two-candidate merge failed")
		return
	}
	if res != mergeOK {
		return
	}

	detachRmapItem(e, match)

	node, won := e.stable.insert(match, matchChecksum, matchSnapshot)
	if !won {
		// Unreachable under the single-worker model (spec.md §5), but
		// handled defensively: a concurrent insert already represents
		// this content, so our freshly substituted PTEs would orphan a
		// duplicate equivalence class. Revert both sites and let the
		// next scan re-discover them against the existing node.
		e.log.Warn("stable-tree insert lost a race under single-worker model; reverting")
		e.pte.breakCOW(ctx, match.site)
		e.pte.breakCOW(ctx, site)
		return
	}
	node.canonical = canonical
	item.canonical = canonical
	e.stable.append(node, item)
	e.pagesShared.Add(1)
	e.pagesSharing.Add(1)
}
