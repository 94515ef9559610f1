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

// Package ksm is the page-matching engine: the twin-tree data structure,
// the background scanner, the PTE merge protocol, the reverse-mapping
// registry, and the per-address-space enrollment lifecycle described in
// spec.md. Lock order, matching spec.md §5:
//
//	Engine.engineMu
//		AddressSpace read lock (taken via hostvm.AddressSpace.Lock)
//			PTE locks (opaque to this package; enforced by the host)
//		Engine.mmlistMu (leaf lock: enrollment list, hash buckets, cursor)
package ksm

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wilinz/gvisor/pkg/atomicbitops"
	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/gvisor/pkg/hostarch"
	gsync "github.com/wilinz/gvisor/pkg/sync"
	"github.com/wilinz/ksmd/internal/hostvm"
)

// Mode is the engine's run mode, matching the `run` control-surface knob.
type Mode int32

const (
	// ModeStop means the worker performs no scanning.
	ModeStop Mode = iota
	// ModeMerge means the worker scans and merges.
	ModeMerge
	// ModeUnmerge means every merge was undone synchronously when the
	// mode was entered; the mode then stays set and the worker performs
	// no scanning in it.
	ModeUnmerge
)

// ParseMode parses the `run` control-surface knob's three accepted string
// values (spec.md §6).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "stop":
		return ModeStop, nil
	case "merge":
		return ModeMerge, nil
	case "unmerge":
		return ModeUnmerge, nil
	default:
		return 0, fmt.Errorf("%w: unknown run mode %q", ErrInvalidArgument, s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeStop:
		return "stop"
	case ModeMerge:
		return "merge"
	case ModeUnmerge:
		return "unmerge"
	default:
		return "unknown"
	}
}

// Counters is a point-in-time snapshot of the read-only control-surface
// counters (spec.md §6).
type Counters struct {
	PagesShared   uint64
	PagesSharing  uint64
	PagesUnshared uint64
	PagesVolatile uint64
	FullScans     uint64
}

// Engine is the single engine object spec.md §9 calls for: all global
// mutable state (tree roots, counters, cursor, mode) lives here, with
// &mut-self-style methods; the background worker owns it directly and the
// control surface interacts through the lock-guarded methods below, never
// through ambient globals.
type Engine struct {
	host hostvm.Host
	log  *logrus.Entry

	// engineMu serializes mode changes against a scan batch; the worker
	// holds it across exactly one batch (spec.md §5).
	engineMu gsync.Mutex

	// mmlistMu is the leaf spinlock-analog protecting the enrollment
	// list, hash buckets, and cursor advancement. Never held across a
	// page operation or an AS lock.
	mmlistMu gsync.Mutex
	reg      registry
	cursor   ScanCursor

	stable   *stableTree
	unstable *unstableTree

	mode atomicbitops.Int32

	// Counters, maintained by the worker without locks (spec.md §5); a
	// momentary under/over-count is tolerated and clamped at read time.
	pagesShared   atomicbitops.Int64
	pagesSharing  atomicbitops.Int64
	pagesUnshared atomicbitops.Int64
	fullScans     atomicbitops.Uint64

	// Knobs.
	sleepMillisecs atomicbitops.Uint32
	pagesToScan    atomicbitops.Uint32
	maxKernelPages atomicbitops.Uint64

	// noEnrollment is signaled when the enrollment list transitions from
	// empty to non-empty, waking a worker blocked per spec.md §5(ii).
	noEnrollment gsync.Cond

	pte pteMerge
}

// NewEngine constructs an Engine bound to host, with the given initial
// knob values.
func NewEngine(host hostvm.Host, log *logrus.Entry, sleepMillisecs, pagesToScan uint32, maxKernelPages uint64) *Engine {
	e := &Engine{
		host:     host,
		log:      log,
		stable:   newStableTree(),
		unstable: newUnstableTree(0),
		pte:      pteMerge{host: host},
	}
	e.sleepMillisecs.Store(sleepMillisecs)
	e.pagesToScan.Store(pagesToScan)
	e.maxKernelPages.Store(maxKernelPages)
	e.noEnrollment.L = &e.mmlistMu
	return e
}

// Counters returns a snapshot of the read-only counters, clamping any
// momentary negative estimate to zero per spec.md §5.
func (e *Engine) Counters() Counters {
	shared := e.pagesShared.Load()
	sharing := e.pagesSharing.Load()
	unshared := e.pagesUnshared.Load()
	if shared < 0 {
		shared = 0
	}
	if sharing < 0 {
		sharing = 0
	}
	if unshared < 0 {
		unshared = 0
	}
	return Counters{
		PagesShared:   uint64(shared),
		PagesSharing:  uint64(sharing),
		PagesUnshared: uint64(unshared),
		PagesVolatile: uint64(unshared), // volatile == currently-unshared candidates
		FullScans:     e.fullScans.Load(),
	}
}

// Mode returns the current run mode.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

// SleepMillisecs, PagesToScan and MaxKernelPages expose the current knob
// values.
func (e *Engine) SleepMillisecs() uint32  { return e.sleepMillisecs.Load() }
func (e *Engine) PagesToScan() uint32     { return e.pagesToScan.Load() }
func (e *Engine) MaxKernelPages() uint64  { return e.maxKernelPages.Load() }

// SetSleepMillisecs and SetPagesToScan implement the u32 numeric-knob
// write semantics of spec.md §6: parse into u64, reject on overflow.
func (e *Engine) SetSleepMillisecs(v uint64) error {
	if v > 0xffffffff {
		return fmt.Errorf("%w: sleep_millisecs overflows u32", ErrInvalidArgument)
	}
	e.sleepMillisecs.Store(uint32(v))
	return nil
}

func (e *Engine) SetPagesToScan(v uint64) error {
	if v > 0xffffffff {
		return fmt.Errorf("%w: pages_to_scan overflows u32", ErrInvalidArgument)
	}
	e.pagesToScan.Store(uint32(v))
	return nil
}

func (e *Engine) SetMaxKernelPages(v uint64) {
	e.maxKernelPages.Store(v)
}

// atMaxKernelPages reports whether the stable tree has reached the
// configured cap: no new StableNodes are created past this point, though
// existing merges still grow their chains (spec.md §8 boundary case).
func (e *Engine) atMaxKernelPages() bool {
	max := e.maxKernelPages.Load()
	if max == 0 {
		return false // 0 means unlimited, matching the host convention.
	}
	shared := e.pagesShared.Load()
	return shared >= 0 && uint64(shared) >= max
}

// Advise implements spec.md §6's advise(region, Mergeable) and
// advise(region, NotMergeable).
func (e *Engine) Advise(ctx gcontext.Context, as hostvm.AddressSpace, r hostvm.Region, mergeable bool) error {
	if mergeable && r.Special {
		// NotApplicable is silently ignored per host convention.
		return nil
	}

	if !mergeable {
		return e.optOut(ctx, as, r.Range)
	}

	e.mmlistMu.Lock()
	alreadyEnrolled := e.reg.lookup(as.ID()) != nil
	e.reg.optIn(as, e.cursor.slot)
	firstEnrollment := e.reg.count == 1
	e.mmlistMu.Unlock()

	if !alreadyEnrolled {
		e.log.WithField("as", as.ID()).Info("address space opted in to merging")
	}
	if firstEnrollment {
		e.noEnrollment.Signal()
	}
	return nil
}

// optOut implements spec.md §4.F opt_out: force-unmerge every shared page
// whose VirtualSite falls in rng by invoking break_cow per PTE in range.
// The slot itself is not removed; the scanner reclaims it once its
// RmapItem list empties.
func (e *Engine) optOut(ctx gcontext.Context, as hostvm.AddressSpace, rng hostarch.AddrRange) error {
	e.mmlistMu.Lock()
	slot := e.reg.lookup(as.ID())
	e.mmlistMu.Unlock()
	if slot == nil {
		return nil
	}

	unlock := as.Lock()
	var items []*RmapItem
	for it := slot.itemsHead; it != nil; it = it.listNext {
		if rng.Contains(it.site.Addr) {
			items = append(items, it)
		}
	}
	unlock()

	for _, item := range items {
		if item.role != roleStableNode && item.role != roleStableSharer {
			continue
		}
		if err := e.pte.breakCOW(ctx, item.site); err != nil {
			e.log.WithError(err).WithField("addr", item.site.Addr).Warn("break_cow failed during opt-out")
			continue
		}
		detachRmapItem(e, item)
		item.role = roleFresh
		item.canonical = nil
	}
	return nil
}

// OnExit implements spec.md §4.F on_exit, invoked by the host when as is
// being torn down.
func (e *Engine) OnExit(as hostvm.AddressSpace) {
	e.mmlistMu.Lock()
	defer e.mmlistMu.Unlock()
	slot := e.reg.lookup(as.ID())
	if slot == nil {
		return
	}
	e.reg.onExit(slot, e.cursor.slot)
}
