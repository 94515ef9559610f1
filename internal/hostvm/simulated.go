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

package hostvm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/gvisor/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// SimulatedHost is a mmap-backed Host implementation used by tests and the
// `ksmd -demo` standalone mode. It provides real, page-granular anonymous
// memory and emulates mapcount/refcount/swapped bookkeeping in Go rather
// than walking real page tables, but every byte read, write-protect and
// replace is a genuine mmap/mprotect/msync operation against the process's
// own address space.
type SimulatedHost struct {
	mu    sync.Mutex
	pages map[*simPage]struct{}
}

// NewSimulatedHost constructs an empty simulated host.
func NewSimulatedHost() *SimulatedHost {
	return &SimulatedHost{pages: make(map[*simPage]struct{})}
}

// simPage is one mmap'd page plus the bookkeeping write_protect needs.
type simPage struct {
	mu       sync.Mutex
	data     []byte // mmap'd region, len == PageSize
	refcount int32
	mapcount int32
	swapped  int32
	writable bool
}

func (p *simPage) ReadAt(dst []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dst, p.data)
	if n != PageSize {
		return fmt.Errorf("hostvm: short read: %d != %d", n, PageSize)
	}
	return nil
}

func (p *simPage) WriteAt(src []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(p.data, src)
	if n != PageSize {
		return fmt.Errorf("hostvm: short write: %d != %d", n, PageSize)
	}
	return nil
}

func (p *simPage) MapCount() int { return int(atomic.LoadInt32(&p.mapcount)) }
func (p *simPage) RefCount() int { return int(atomic.LoadInt32(&p.refcount)) }
func (p *simPage) Swapped() int  { return int(atomic.LoadInt32(&p.swapped)) }
func (p *simPage) Identity() any { return p }

func (p *simPage) Put() {
	atomic.AddInt32(&p.refcount, -1)
}

// SimulatedAS is a toy AddressSpace: an ordered slice of regions, each
// backed 1:1 by page-granular entries in a map keyed by address.
type SimulatedAS struct {
	id   AddressSpaceID
	mu   sync.RWMutex
	torn atomic.Bool

	regions []Region
	sites   map[hostarch.Addr]*simPage
}

var nextASID atomic.Uint64

// NewSimulatedAS returns a new, empty address space.
func NewSimulatedAS() *SimulatedAS {
	return &SimulatedAS{
		id:    AddressSpaceID(nextASID.Add(1)),
		sites: make(map[hostarch.Addr]*simPage),
	}
}

func (as *SimulatedAS) ID() AddressSpaceID { return as.id }
func (as *SimulatedAS) TornDown() bool     { return as.torn.Load() }

// TearDown marks the address space as exiting and unmaps every backing page.
func (as *SimulatedAS) TearDown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.torn.Store(true)
	for _, p := range as.sites {
		unix.Munmap(p.data)
	}
	as.sites = nil
}

func (as *SimulatedAS) Lock() (unlock func()) {
	as.mu.RLock()
	return as.mu.RUnlock
}

func (as *SimulatedAS) FindRegion(addr hostarch.Addr) (Region, bool) {
	for _, r := range as.regions {
		if r.Range.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

func (as *SimulatedAS) EnrolledRegions() []Region {
	out := make([]Region, 0, len(as.regions))
	for _, r := range as.regions {
		if r.Mergeable {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// MapAnon maps a fresh anonymous page filled with content at addr and
// appends a one-page region covering it, mergeable-eligible but not yet
// advised. A region is appended on every call, even for an addr already
// covered.
func (as *SimulatedAS) MapAnon(addr hostarch.Addr, content []byte) error {
	if len(content) != PageSize {
		return fmt.Errorf("hostvm: content must be exactly %d bytes", PageSize)
	}
	data, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("hostvm: mmap: %w", err)
	}
	copy(data, content)

	as.mu.Lock()
	defer as.mu.Unlock()
	// refcount starts one above mapcount: the same at-rest baseline Replace
	// leaves a freshly installed page in (AllocPage's refcount:1,mapcount:0
	// plus Replace's +1 to each), so WriteProtect's mapcount+2+swapped
	// check holds after exactly one FollowPage pin.
	as.sites[addr] = &simPage{data: data, refcount: 2, mapcount: 1, writable: true}
	as.regions = append(as.regions, Region{Range: hostarch.AddrRange{Start: addr, End: addr + PageSize}})
	return nil
}

// Advise toggles the Mergeable bit on the region covering addr.
func (as *SimulatedAS) Advise(addr hostarch.Addr, mergeable bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := range as.regions {
		if as.regions[i].Range.Contains(addr) {
			as.regions[i].Mergeable = mergeable
		}
	}
}

// Write performs a direct byte-level write to the site, simulating an
// application write fault: if the page is shared (writable==false) it is
// privately copied first (break-COW), exactly as a real write fault would.
func (as *SimulatedAS) Write(addr hostarch.Addr, off int, b byte) error {
	as.mu.Lock()
	p, ok := as.sites[addr]
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostvm: no mapping at %v", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writable {
		cow, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return fmt.Errorf("hostvm: cow mmap: %w", err)
		}
		copy(cow, p.data)
		as.mu.Lock()
		as.sites[addr] = &simPage{data: cow, refcount: 2, mapcount: 1, writable: true}
		as.mu.Unlock()
		// This site no longer maps the old shared page.
		atomic.AddInt32(&p.refcount, -1)
		atomic.AddInt32(&p.mapcount, -1)
		p = as.sites[addr]
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	p.data[off] = b
	return nil
}

// Host interface implementation.

func (h *SimulatedHost) FollowPage(ctx gcontext.Context, asIface AddressSpace, addr hostarch.Addr, flag GetFlag) (Page, bool) {
	as := asIface.(*SimulatedAS)
	as.mu.RLock()
	p, ok := as.sites[addr]
	as.mu.RUnlock()
	if !ok {
		return nil, false
	}
	atomic.AddInt32(&p.refcount, 1)
	return p, true
}

func (h *SimulatedHost) WriteProtect(ctx gcontext.Context, asIface AddressSpace, addr hostarch.Addr, page Page) (WriteProtectResult, error) {
	p, ok := page.(*simPage)
	if !ok {
		return WriteProtectGone, fmt.Errorf("hostvm: page type mismatch")
	}
	as := asIface.(*SimulatedAS)
	as.mu.RLock()
	cur, stillMapped := as.sites[addr]
	as.mu.RUnlock()
	if !stillMapped || cur != p {
		return WriteProtectGone, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Emulate: clear-and-flush PTE, then atomically recheck
	// mapcount+2+swapped == refcount.
	if int32(p.MapCount())+2+int32(p.Swapped()) != int32(p.RefCount()) {
		return WriteProtectBusy, nil
	}
	p.writable = false
	if err := unix.Mprotect(p.data, unix.PROT_READ); err != nil {
		p.writable = true
		return WriteProtectGone, fmt.Errorf("hostvm: mprotect: %w", err)
	}
	return WriteProtectOK, nil
}

func (h *SimulatedHost) Replace(ctx gcontext.Context, asIface AddressSpace, addr hostarch.Addr, oldPage, newPage Page, saved SavedPTE) (ReplaceResult, error) {
	as := asIface.(*SimulatedAS)
	as.mu.Lock()
	defer as.mu.Unlock()
	cur, ok := as.sites[addr]
	if !ok || cur != oldPage.(*simPage) {
		return ReplaceChanged, nil
	}
	np := newPage.(*simPage)
	np.mu.Lock()
	if np.writable {
		if err := unix.Mprotect(np.data, unix.PROT_READ); err != nil {
			np.mu.Unlock()
			return ReplaceChanged, fmt.Errorf("hostvm: mprotect: %w", err)
		}
		np.writable = false
	}
	np.mu.Unlock()
	atomic.AddInt32(&np.refcount, 1)
	atomic.AddInt32(&np.mapcount, 1)
	as.sites[addr] = np
	atomic.AddInt32(&oldPage.(*simPage).refcount, -1)
	return ReplaceOK, nil
}

func (h *SimulatedHost) BreakCOW(ctx gcontext.Context, asIface AddressSpace, addr hostarch.Addr) error {
	as := asIface.(*SimulatedAS)
	as.mu.RLock()
	p, ok := as.sites[addr]
	as.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	writable := p.writable
	p.mu.Unlock()
	if writable {
		return nil
	}
	cow, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("hostvm: cow mmap: %w", err)
	}
	p.mu.Lock()
	copy(cow, p.data)
	p.mu.Unlock()
	as.mu.Lock()
	as.sites[addr] = &simPage{data: cow, refcount: 2, mapcount: 1, writable: true}
	as.mu.Unlock()
	atomic.AddInt32(&p.refcount, -1)
	atomic.AddInt32(&p.mapcount, -1)
	return nil
}

func (h *SimulatedHost) AllocPage(ctx gcontext.Context) (Page, error) {
	data, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostvm: alloc: %w", err)
	}
	p := &simPage{data: data, refcount: 1, writable: true}
	h.mu.Lock()
	h.pages[p] = struct{}{}
	h.mu.Unlock()
	return p, nil
}

func (h *SimulatedHost) FlushCachePage(ctx gcontext.Context, as AddressSpace, addr hostarch.Addr) error {
	return nil
}

func (h *SimulatedHost) FlushAnonPage(ctx gcontext.Context, as AddressSpace, addr hostarch.Addr, page Page) error {
	return nil
}

func (h *SimulatedHost) FlushDCachePage(ctx gcontext.Context, page Page) error {
	p, ok := page.(*simPage)
	if !ok {
		return nil
	}
	return unix.Msync(p.data, unix.MS_SYNC)
}
