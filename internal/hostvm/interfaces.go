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

// Package hostvm declares the contracts the merging engine consumes from
// the host virtual-memory and scheduling layers. Nothing in this package
// walks real page tables; it is the seam between internal/ksm and whatever
// concrete VM subsystem an embedder links in. A mmap-backed reference
// implementation lives in simulated.go for tests and the standalone demo.
package hostvm

import (
	"github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/gvisor/pkg/hostarch"
)

// PageSize is the fixed page size the engine operates on. Real embedders
// must back every Page with exactly this many bytes.
const PageSize = hostarch.PageSize

// AddressSpaceID uniquely and stably identifies an AddressSpace for the
// lifetime of the process. It must not be reused while any RmapItem or
// AddressSpaceSlot still references it.
type AddressSpaceID uint64

// AddressSpace is one process's virtual memory context: page tables plus a
// region list. The engine never assumes anything about its internals
// beyond this interface.
type AddressSpace interface {
	// ID returns the stable identity used for enrollment hash-bucketing.
	ID() AddressSpaceID

	// TornDown reports whether this address space is being (or has been)
	// torn down — the atomic refcount-zero predicate from spec.md §6.
	// Once true it never reverts to false.
	TornDown() bool

	// Lock acquires the address space's read lock and returns a release
	// function. The scanner always takes this read-side and releases it
	// before any potentially-sleeping allocation, per spec.md §5.
	Lock() (unlock func())

	// FindRegion returns the region enclosing addr, whether or not it is
	// Mergeable, or ok=false if no region encloses addr. Must be called
	// with the address space locked.
	FindRegion(addr hostarch.Addr) (r Region, ok bool)

	// EnrolledRegions returns every region this address space opted into
	// mergeability, in ascending start-address order. Must be called
	// with the address space locked.
	EnrolledRegions() []Region
}

// Region is a contiguous, uniformly-protected range within an address
// space — analogous to a VMA.
type Region struct {
	Range hostarch.AddrRange

	// Mergeable is set by advise(Mergeable) and cleared by
	// advise(NotMergeable); the scanner only walks regions with this set.
	Mergeable bool

	// Special reports whether the region carries any of the flags that
	// forbid advise(Mergeable): shared, pinned for direct I/O, huge,
	// mixed-map, or otherwise special-marked.
	Special bool
}

// Page is a pinned reference to one physical page, obtained from
// FollowPage and released with Put. Page handles are not safe for
// concurrent use from multiple goroutines.
type Page interface {
	// ReadAt copies PageSize bytes of the page's current content into dst.
	ReadAt(dst []byte) error

	// WriteAt copies exactly PageSize bytes from src into the page. It
	// exists only to populate a freshly allocated, not-yet-mapped
	// canonical page before it is installed anywhere (spec.md §4.B
	// "copy A into K"); calling it on a page already installed into a
	// write-protected mapping would violate the write-protect discipline
	// and is a caller bug, not a condition this interface detects.
	WriteAt(src []byte) error

	// MapCount, RefCount and Swapped report the fields write_protect
	// must compare: mapcount + 2 + swapped == refcount (spec.md §4.B).
	MapCount() int
	RefCount() int
	Swapped() int

	// Identity returns an opaque, comparable value identifying the
	// physical page, so the engine can detect "same physical page twice"
	// without assuming anything about pointer representation.
	Identity() any

	// Put releases this pinned reference.
	Put()
}

// GetFlag selects FollowPage's pinning behavior.
type GetFlag int

const (
	// Get pins the page and increments its refcount.
	Get GetFlag = iota
)

// Host is the full set of host-VM contracts the engine consumes. An
// embedder supplies one Host; internal/ksm never reaches around it.
type Host interface {
	// FollowPage resolves addr within as to a pinned Page, or returns
	// ok=false if unmapped, not anonymous, or otherwise ineligible.
	FollowPage(ctx context.Context, as AddressSpace, addr hostarch.Addr, flag GetFlag) (p Page, ok bool)

	// WriteProtect implements spec.md §4.B.1.
	WriteProtect(ctx context.Context, as AddressSpace, addr hostarch.Addr, page Page) (WriteProtectResult, error)

	// Replace implements spec.md §4.B.2.
	Replace(ctx context.Context, as AddressSpace, addr hostarch.Addr, oldPage, newPage Page, saved SavedPTE) (ReplaceResult, error)

	// BreakCOW implements spec.md §4.B.3: force a write fault at the
	// site so a shared mapping becomes a private copy.
	BreakCOW(ctx context.Context, as AddressSpace, addr hostarch.Addr) error

	// AllocPage allocates one fresh, zero-initialized page suitable for
	// user mapping. Returns NoMemory-class error on failure.
	AllocPage(ctx context.Context) (Page, error)

	// FlushCachePage, FlushAnonPage and FlushDCachePage issue the cache
	// maintenance operations spec.md §6 calls out by name.
	FlushCachePage(ctx context.Context, as AddressSpace, addr hostarch.Addr) error
	FlushAnonPage(ctx context.Context, as AddressSpace, addr hostarch.Addr, page Page) error
	FlushDCachePage(ctx context.Context, page Page) error
}

// SavedPTE is an opaque token passed to Replace. WriteProtect does not
// produce one: internal/ksm wraps the VirtualSite in it, and
// SimulatedHost.Replace ignores it, detecting a concurrent change by
// comparing the site's current page with oldPage instead.
type SavedPTE struct {
	opaque any
}

// NewSavedPTE wraps a host-specific PTE snapshot value.
func NewSavedPTE(v any) SavedPTE { return SavedPTE{opaque: v} }

// Value returns the wrapped host-specific snapshot.
func (s SavedPTE) Value() any { return s.opaque }

// WriteProtectResult is the three-way outcome of WriteProtect.
type WriteProtectResult int

const (
	// WriteProtectOK means the PTE is now write-protected. No snapshot
	// of its prior value is returned; see SavedPTE.
	WriteProtectOK WriteProtectResult = iota
	// WriteProtectBusy means mapcount+2+swapped != refcount: something
	// else (e.g. in-flight direct I/O) references the page.
	WriteProtectBusy
	// WriteProtectGone means the site no longer maps the expected page.
	WriteProtectGone
)

// ReplaceResult is the two-way outcome of Replace.
type ReplaceResult int

const (
	// ReplaceOK means the PTE now maps newPage write-protected.
	ReplaceOK ReplaceResult = iota
	// ReplaceChanged means the PTE no longer matched saved; the merge
	// must be abandoned.
	ReplaceChanged
)

