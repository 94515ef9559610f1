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
	"bytes"

	"github.com/google/btree"
)

// treeDegree is the branching factor handed to google/btree for both the
// stable and unstable trees. Picked for the same reason the teacher's own
// segment sets use a modest fixed degree: most nodes fit comfortably in a
// handful of cache lines and the tree stays shallow at the node counts a
// single host realistically enrolls.
const treeDegree = 32

// rmapLess totally orders RmapItems by (checksum, snapshot bytes). Both
// fields are populated once, when an item becomes tree-resident, and never
// mutated while the item remains in a tree — so Less never needs to touch
// the host VM layer or re-read a live page. checksum is the fast path;
// snapshot is the deterministic tie-break spec.md requires ("Compare is
// total and deterministic") for the rare case two different pages hash
// equal.
func rmapLess(a, b *RmapItem) bool {
	if a.checksum != b.checksum {
		return a.checksum < b.checksum
	}
	return bytes.Compare(a.snapshot, b.snapshot) < 0
}

// stableTree is the persistent tree of canonical (write-protected, shared)
// pages, ordered by their content (spec.md §4.D). It is never rebuilt;
// individual nodes are erased only when their canonical page's last
// sharer is gone.
type stableTree struct {
	t       *btree.BTreeG[*RmapItem]
	nodes   int // number of StableNodes currently in the tree
	sharers int // total sharer-chain length across all nodes (excludes the node itself)
}

func newStableTree() *stableTree {
	return &stableTree{t: btree.NewG(treeDegree, rmapLess)}
}

// hostValidFunc reports whether item's VirtualSite still maps the shared
// page it claims to, i.e. the head RmapItem of a stable node hasn't been
// silently invalidated by an out-of-band unmap. Real validation requires
// the host VM layer; hostValid is supplied by the caller (the scanner),
// which alone has a live ctx/host.Host to ask.
type hostValidFunc func(item *RmapItem) bool

// search walks the stable tree for a node whose canonical content matches
// candidateChecksum/candidateSnapshot. If the node found is found to have
// a dead head (hostValid returns false), it is spliced or erased in place
// — promoting the next sharer into the tree — and the search resumes,
// exactly mirroring "continue as if the node matched the replacement" in
// spec.md §4.D.
func (st *stableTree) search(candidateChecksum uint32, candidateSnapshot []byte, hostValid hostValidFunc) *RmapItem {
	probe := &RmapItem{checksum: candidateChecksum, snapshot: candidateSnapshot}
	for {
		found, ok := st.t.Get(probe)
		if !ok {
			return nil
		}
		if hostValid(found) {
			return found
		}
		st.spliceDeadHead(found)
	}
}

// spliceDeadHead removes a stable node whose head RmapItem no longer maps
// a live shared page, promoting the next sharer into the tree slot if one
// exists (spec.md §4.D "Erase"), otherwise erasing the node outright.
func (st *stableTree) spliceDeadHead(dead *RmapItem) {
	st.t.Delete(dead)
	next := dead.chainNext
	checksum, snapshot := dead.checksum, dead.snapshot
	dead.role = roleFresh
	dead.chainNext = nil
	dead.canonical = nil
	dead.snapshot = nil
	if next == nil {
		st.nodes--
		return
	}
	// Promote next into the tree-resident slot in dead's place.
	next.chainPrev = nil
	next.role = roleStableNode
	next.checksum = checksum
	next.snapshot = snapshot
	st.t.ReplaceOrInsert(next)
	// next transitions from counted sharer to uncounted tree-resident
	// head, regardless of what (if anything) remains behind it.
	st.sharers--
}

// insert links a newly canonicalized page's RmapItem R as a new stable
// node. If an equal-content node already exists (a concurrent insert won
// the race), insert abandons and returns that existing node instead so the
// caller can append to its chain.
func (st *stableTree) insert(r *RmapItem, checksum uint32, snapshot []byte) (inserted *RmapItem, wonRace bool) {
	r.checksum = checksum
	r.snapshot = snapshot
	if existing, had := st.t.ReplaceOrInsert(r); had {
		// Someone else's node occupies this key; undo the optimistic
		// insert-as-replace and hand the caller the existing node.
		st.t.ReplaceOrInsert(existing)
		r.checksum, r.snapshot = 0, nil
		return existing, false
	}
	r.role = roleStableNode
	st.nodes++
	return r, true
}

// append links r as a new sharer at the head of node's chain, marking r
// roleStableSharer (spec.md §4.D "append").
func (st *stableTree) append(node, r *RmapItem) {
	r.role = roleStableSharer
	r.chainPrev = node
	r.chainNext = node.chainNext
	if node.chainNext != nil {
		node.chainNext.chainPrev = r
	}
	node.chainNext = r
	st.sharers++
}

// unlinkSharer removes r (role roleStableSharer) from whatever chain it's
// in without touching the tree itself.
func (st *stableTree) unlinkSharer(r *RmapItem) {
	if r.chainPrev != nil {
		r.chainPrev.chainNext = r.chainNext
	}
	if r.chainNext != nil {
		r.chainNext.chainPrev = r.chainPrev
	}
	r.chainNext, r.chainPrev = nil, nil
	r.role = roleFresh
	r.canonical = nil
	st.sharers--
}

// eraseNode removes a tree-resident node entirely (used when its last
// sharer departs and no replacement head exists).
func (st *stableTree) eraseNode(node *RmapItem) {
	st.t.Delete(node)
	node.role = roleFresh
	node.canonical = nil
	node.snapshot = nil
	node.chainNext, node.chainPrev = nil, nil
	st.nodes--
}

// unstableTree is the per-scan-generation tree of candidate pages whose
// content hasn't changed since the last time they were observed (spec.md
// §4.D). It is discarded and recreated at the start of every full scan —
// an O(1) "abandon root" that simply orphans the RmapItem handles it held;
// their staleness is later detected via the seqnr age check, never by
// walking the old tree.
type unstableTree struct {
	t     *btree.BTreeG[*RmapItem]
	count int
	seqnr uint64
}

func newUnstableTree(seqnr uint64) *unstableTree {
	return &unstableTree{t: btree.NewG(treeDegree, rmapLess), seqnr: seqnr}
}

// searchOrInsert implements spec.md §4.D's unstable-tree search-or-insert.
// candidateIdentity is the physical-page identity of the site currently
// being scanned (hostvm.Page.Identity()); it's compared against a found
// node's own identity to detect "same physical page twice", which must be
// abandoned without mutation rather than treated as a match.
func (ut *unstableTree) searchOrInsert(r *RmapItem, checksum uint32, snapshot []byte, candidateIdentity any, nodeIdentity func(*RmapItem) any) (match *RmapItem, inserted bool) {
	probe := &RmapItem{checksum: checksum, snapshot: snapshot}
	if found, ok := ut.t.Get(probe); ok {
		if nodeIdentity(found) == candidateIdentity {
			// Same physical page observed twice: abandon, no mutation.
			return nil, false
		}
		return found, false
	}
	r.checksum = checksum
	r.snapshot = snapshot
	r.role = roleUnstableNode
	r.seqnr = ut.seqnr
	ut.t.ReplaceOrInsert(r)
	ut.count++
	return nil, true
}

// erase removes r from the unstable tree, but only if its recorded seqnr
// still matches this tree's generation; otherwise the tree was already
// reset and this is a no-op (spec.md §4.D "Erase").
func (ut *unstableTree) erase(r *RmapItem) {
	if r.role != roleUnstableNode || r.seqnr != ut.seqnr {
		return
	}
	ut.t.Delete(r)
	ut.count--
	r.role = roleFresh
	r.snapshot = nil
}
