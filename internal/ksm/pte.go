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
	"time"

	"github.com/cenkalti/backoff"
	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/ksmd/internal/hostvm"
)

// pteMerge implements spec.md §4.B against a hostvm.Host. The exact
// ordering of writeProtect's steps — flush-and-clear, recheck, then
// restore-or-install — must never be reordered; see spec.md §9.
type pteMerge struct {
	host hostvm.Host
}

// writeProtect implements spec.md §4.B.1.
func (m pteMerge) writeProtect(ctx gcontext.Context, site VirtualSite, page hostvm.Page) (hostvm.WriteProtectResult, hostvm.SavedPTE, error) {
	res, err := m.host.WriteProtect(ctx, site.AS, site.Addr, page)
	if err != nil {
		return res, hostvm.SavedPTE{}, err
	}
	// Host.WriteProtect returns no snapshot of the prior PTE, so the
	// SavedPTE handed on to replace only wraps site. A concurrent change
	// is detected by Replace's own check of the site's current page
	// against oldPage, not by comparing PTE snapshots.
	return res, hostvm.NewSavedPTE(site), nil
}

// replace implements spec.md §4.B.2.
func (m pteMerge) replace(ctx gcontext.Context, site VirtualSite, oldPage, newPage hostvm.Page, saved hostvm.SavedPTE) (hostvm.ReplaceResult, error) {
	res, err := m.host.Replace(ctx, site.AS, site.Addr, oldPage, newPage, saved)
	if err != nil {
		return res, err
	}
	if res == hostvm.ReplaceOK {
		if err := m.host.FlushCachePage(ctx, site.AS, site.Addr); err != nil {
			return res, err
		}
	}
	return res, nil
}

// breakCOW implements spec.md §4.B.3.
func (m pteMerge) breakCOW(ctx gcontext.Context, site VirtualSite) error {
	return m.host.BreakCOW(ctx, site.AS, site.Addr)
}

// mergeResult is the outcome of attempting to substitute a site's PTE to
// point at a shared canonical page.
type mergeResult int

const (
	mergeOK mergeResult = iota
	mergeBusy
	mergeRace
)

// mergeSiteOnto write-protects site's current page, verifies it is still
// byte-identical to canonical, and substitutes the PTE to point at
// canonical. This is the write-protect+compare+replace sequence spec.md
// §4.E step 5 and step 7 both bottom out in.
func (m pteMerge) mergeSiteOnto(ctx gcontext.Context, site VirtualSite, current, canonical hostvm.Page) (mergeResult, error) {
	res, saved, err := m.writeProtect(ctx, site, current)
	if err != nil {
		return mergeRace, err
	}
	switch res {
	case hostvm.WriteProtectBusy:
		return mergeBusy, nil
	case hostvm.WriteProtectGone:
		return mergeRace, nil
	}

	same, err := identical(current, canonical)
	if err != nil {
		return mergeRace, err
	}
	if !same {
		// Content moved under us between the checksum/compare pass and
		// write-protect; restore by simply not replacing — the site
		// keeps its freshly write-protected (but otherwise unchanged)
		// page, matching "if unequal, something changed" abandonment.
		return mergeRace, nil
	}

	rres, err := m.replace(ctx, site, current, canonical, saved)
	if err != nil {
		return mergeRace, err
	}
	if rres == hostvm.ReplaceChanged {
		return mergeRace, nil
	}
	return mergeOK, nil
}

// allocPageWithRetry wraps Host.AllocPage with a bounded exponential backoff:
// transient host-side page exhaustion (spec.md §4.B's allocate-K step) is
// retried a few times at growing intervals rather than failing the merge on
// the first contended allocation, aborting early if ctx is canceled.
func (m pteMerge) allocPageWithRetry(ctx gcontext.Context) (hostvm.Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	var page hostvm.Page
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		p, err := m.host.AllocPage(ctx)
		if err != nil {
			return err
		}
		page = p
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, ErrNoMemory
	}
	return page, nil
}

// mergeTwoCandidates performs the three-step merge of spec.md §4.B's final
// paragraph: allocate K, copy siteA's content into K, write_protect+replace
// at siteA, then at siteB. If the second replace fails, break_cow siteA so
// no orphan one-sharer shared page persists.
func (m pteMerge) mergeTwoCandidates(ctx gcontext.Context, siteA VirtualSite, pageA hostvm.Page, siteB VirtualSite, pageB hostvm.Page) (canonical hostvm.Page, result mergeResult, err error) {
	k, err := m.allocPageWithRetry(ctx)
	if err != nil {
		return nil, mergeRace, err
	}

	var buf pageScratch
	if err := pageA.ReadAt(buf[:]); err != nil {
		return nil, mergeRace, err
	}
	if err := k.WriteAt(buf[:]); err != nil {
		return nil, mergeRace, err
	}

	resA, err := m.mergeSiteOnto(ctx, siteA, pageA, k)
	if err != nil || resA != mergeOK {
		return nil, resA, err
	}

	resB, err := m.mergeSiteOnto(ctx, siteB, pageB, k)
	if err != nil || resB != mergeOK {
		// Undo A: no orphan shared page with one sharer.
		if cowErr := m.breakCOW(ctx, siteA); cowErr != nil && err == nil {
			err = cowErr
		}
		return nil, resB, err
	}

	return k, mergeOK, nil
}
