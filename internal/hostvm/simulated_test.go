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

package hostvm_test

import (
	"bytes"
	"testing"

	"github.com/wilinz/gvisor/pkg/hostarch"
	"github.com/wilinz/ksmd/internal/gvisorctx"
	"github.com/wilinz/ksmd/internal/hostvm"
)

func fill(b byte) []byte {
	content := make([]byte, hostvm.PageSize)
	for i := range content {
		content[i] = b
	}
	return content
}

func TestMapAnonAndFollowPage(t *testing.T) {
	host := hostvm.NewSimulatedHost()
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x11)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	page, ok := host.FollowPage(gvisorctx.Background(), as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	defer page.Put()

	buf := make([]byte, hostvm.PageSize)
	if err := page.ReadAt(buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, fill(0x11)) {
		t.Fatalf("content mismatch")
	}
	if page.MapCount() != 1 || page.RefCount() != 3 {
		t.Fatalf("mapcount=%d refcount=%d, want 1,3 (at-rest mapcount+1, plus this pin)", page.MapCount(), page.RefCount())
	}
}

func TestAdviseTogglesMergeable(t *testing.T) {
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x01)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if regions := as.EnrolledRegions(); len(regions) != 0 {
		t.Fatalf("region should not be enrolled before Advise, got %d", len(regions))
	}

	as.Advise(0, true)
	if regions := as.EnrolledRegions(); len(regions) != 1 {
		t.Fatalf("region should be enrolled after Advise(true), got %d", len(regions))
	}

	as.Advise(0, false)
	if regions := as.EnrolledRegions(); len(regions) != 0 {
		t.Fatalf("region should not be enrolled after Advise(false), got %d", len(regions))
	}
}

func TestWriteProtectThenReplace(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0xAA)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	oldPage, ok := host.FollowPage(ctx, as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	defer oldPage.Put()
	// MapAnon's at-rest refcount (mapcount+1) plus this one FollowPage pin
	// satisfies mapcount+2+swapped == refcount exactly.

	res, err := host.WriteProtect(ctx, as, 0, oldPage)
	if err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	if res != hostvm.WriteProtectOK {
		t.Fatalf("WriteProtect result = %v, want OK", res)
	}

	newPage, err := host.AllocPage(ctx)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := newPage.WriteAt(fill(0xAA)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	rres, err := host.Replace(ctx, as, 0, oldPage, newPage, hostvm.NewSavedPTE(nil))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if rres != hostvm.ReplaceOK {
		t.Fatalf("Replace result = %v, want OK", rres)
	}
	if newPage.MapCount() != 1 {
		t.Fatalf("newPage mapcount = %d, want 1", newPage.MapCount())
	}

	installed, ok := host.FollowPage(ctx, as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage after replace: not found")
	}
	defer installed.Put()
	if installed.Identity() != newPage.Identity() {
		t.Fatalf("site does not map the replacement page after Replace")
	}
}

func TestWriteProtectBusyWhenExtraPinHeld(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x02)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	page, ok := host.FollowPage(ctx, as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	defer page.Put()
	// Take a second pin beside the one WriteProtect expects:
	// mapcount(1)+2+swapped(0) = 3 != refcount(4), simulating a concurrent
	// reader (e.g. direct I/O).
	extra, _ := host.FollowPage(ctx, as, 0, hostvm.Get)
	defer extra.Put()

	res, err := host.WriteProtect(ctx, as, 0, page)
	if err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	if res != hostvm.WriteProtectBusy {
		t.Fatalf("WriteProtect result = %v, want Busy", res)
	}
}

func TestWriteProtectGoneWhenSiteChanged(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x03)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	stalePage, ok := host.FollowPage(ctx, as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	defer stalePage.Put()
	stalePage.Put()

	// Remap over the site with a fresh page before WriteProtect runs.
	if err := as.MapAnon(0, fill(0x04)); err != nil {
		t.Fatalf("remap MapAnon: %v", err)
	}

	res, err := host.WriteProtect(ctx, as, 0, stalePage)
	if err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	if res != hostvm.WriteProtectGone {
		t.Fatalf("WriteProtect result = %v, want Gone", res)
	}
}

func TestWriteBreaksCOWAndDropsOldMapcount(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	as1 := hostvm.NewSimulatedAS()
	as2 := hostvm.NewSimulatedAS()
	if err := as1.MapAnon(0, fill(0x05)); err != nil {
		t.Fatalf("MapAnon as1: %v", err)
	}
	if err := as2.MapAnon(0, fill(0x05)); err != nil {
		t.Fatalf("MapAnon as2: %v", err)
	}

	// Simulate both sites merged onto one write-protected canonical page.
	p1, _ := host.FollowPage(ctx, as1, 0, hostvm.Get)
	p1.Put()
	if _, err := host.WriteProtect(ctx, as1, 0, p1); err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	canonical, err := host.AllocPage(ctx)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := canonical.WriteAt(fill(0x05)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := host.Replace(ctx, as1, 0, p1, canonical, hostvm.NewSavedPTE(nil)); err != nil {
		t.Fatalf("Replace as1: %v", err)
	}
	p2, _ := host.FollowPage(ctx, as2, 0, hostvm.Get)
	p2.Put()
	if _, err := host.WriteProtect(ctx, as2, 0, p2); err != nil {
		t.Fatalf("WriteProtect as2: %v", err)
	}
	if _, err := host.Replace(ctx, as2, 0, p2, canonical, hostvm.NewSavedPTE(nil)); err != nil {
		t.Fatalf("Replace as2: %v", err)
	}
	if canonical.MapCount() != 2 {
		t.Fatalf("canonical mapcount = %d, want 2 before the write", canonical.MapCount())
	}

	if err := as1.Write(0, 0, 0xFF); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if canonical.MapCount() != 1 {
		t.Fatalf("canonical mapcount after write = %d, want 1 (as1 broke off)", canonical.MapCount())
	}

	as1Page, ok := host.FollowPage(ctx, as1, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage as1: not found")
	}
	defer as1Page.Put()
	if as1Page.Identity() == canonical.Identity() {
		t.Fatalf("as1 should have a private copy after write, still maps canonical")
	}
	buf := make([]byte, hostvm.PageSize)
	if err := as1Page.ReadAt(buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := fill(0x05)
	want[0] = 0xFF
	if !bytes.Equal(buf, want) {
		t.Fatalf("as1 content after write mismatch")
	}

	as2Page, ok := host.FollowPage(ctx, as2, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage as2: not found")
	}
	defer as2Page.Put()
	if as2Page.Identity() != canonical.Identity() {
		t.Fatalf("as2 should still map the canonical page")
	}
}

func TestBreakCOWIsNoopWhenAlreadyWritable(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x06)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	before, _ := host.FollowPage(ctx, as, 0, hostvm.Get)
	before.Put()

	if err := host.BreakCOW(ctx, as, 0); err != nil {
		t.Fatalf("BreakCOW: %v", err)
	}

	after, ok := host.FollowPage(ctx, as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	defer after.Put()
	if after.Identity() != before.Identity() {
		t.Fatalf("BreakCOW replaced an already-private page")
	}
}

func TestAllocPageIsZeroedAndIndependent(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()

	p1, err := host.AllocPage(ctx)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p2, err := host.AllocPage(ctx)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if p1.Identity() == p2.Identity() {
		t.Fatalf("two AllocPage calls returned the same identity")
	}

	if err := p1.WriteAt(fill(0x07)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, hostvm.PageSize)
	if err := p2.ReadAt(buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, hostvm.PageSize)) {
		t.Fatalf("writing p1 mutated p2's backing memory")
	}
}

func TestFlushDCachePage(t *testing.T) {
	ctx := gvisorctx.Background()
	host := hostvm.NewSimulatedHost()
	p, err := host.AllocPage(ctx)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := host.FlushDCachePage(ctx, p); err != nil {
		t.Fatalf("FlushDCachePage: %v", err)
	}
}

func TestTearDownUnmapsEverySite(t *testing.T) {
	as := hostvm.NewSimulatedAS()
	if err := as.MapAnon(0, fill(0x08)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := as.MapAnon(hostarch.Addr(hostvm.PageSize), fill(0x09)); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if as.TornDown() {
		t.Fatalf("address space reports torn down before TearDown")
	}
	as.TearDown()
	if !as.TornDown() {
		t.Fatalf("address space does not report torn down after TearDown")
	}
}
