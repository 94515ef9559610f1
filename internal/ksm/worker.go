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

	gcontext "github.com/wilinz/gvisor/pkg/context"
	"golang.org/x/time/rate"
)

// SetMode implements the `run` control-surface knob's write semantics
// (spec.md §6): writing the current value is a no-op; a write that
// transitions to Unmerge performs the full unmerge synchronously before
// returning, and reverts to Stop on interruption.
func (e *Engine) SetMode(ctx gcontext.Context, newMode Mode) error {
	if Mode(e.mode.Load()) == newMode {
		return nil
	}

	e.engineMu.Lock()
	defer e.engineMu.Unlock()

	if newMode != ModeUnmerge {
		e.mode.Store(int32(newMode))
		if newMode == ModeMerge {
			e.noEnrollment.Signal()
		}
		return nil
	}

	if err := e.unmergeAll(ctx); err != nil {
		e.mode.Store(int32(ModeStop))
		return err
	}
	e.mode.Store(int32(ModeUnmerge))
	return nil
}

// unmergeAll iterates every enrolled address space and force-unmerges
// every opted-in region, per spec.md §5's Unmerge mode-transition
// semantics. A context cancellation partway through aborts with
// ErrInterrupted, leaving already-unmerged sites unmerged (best-effort:
// the spec only promises the engine is left quiescent, not atomic).
func (e *Engine) unmergeAll(ctx gcontext.Context) error {
	e.mmlistMu.Lock()
	slots := make([]*AddressSpaceSlot, 0, e.reg.count)
	for s := e.reg.head; s != nil; s = s.listNext {
		slots = append(slots, s)
	}
	e.mmlistMu.Unlock()

	for _, slot := range slots {
		select {
		case <-ctx.Done():
			return ErrInterrupted
		default:
		}

		unlock := slot.as.Lock()
		regions := slot.as.EnrolledRegions()
		unlock()

		for _, r := range regions {
			if err := e.optOut(ctx, slot.as, r.Range); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ErrInterrupted
			default:
			}
		}
	}
	return nil
}

// defaultPagesToScan bounds a single batch when the pages_to_scan knob is
// unset (zero).
const defaultPagesToScan = 100

// Run drives the background worker loop described in spec.md §4.E / §5:
// bounded scan batches, paced by sleep_millisecs between batches via an
// interruptible token-bucket wait, blocking on the enrollment condition
// when the mode is Merge but nothing is enrolled yet. It returns when ctx
// is canceled.
func (e *Engine) Run(ctx gcontext.Context) error {
	limiter := rate.NewLimiter(rate.Every(time.Millisecond), 1)

	for {
		if ctx.Err() != nil {
			return nil
		}

		switch e.Mode() {
		case ModeMerge:
			if !e.hasEnrollment() {
				if !e.waitForEnrollment(ctx) {
					return nil
				}
				continue
			}

			e.engineMu.Lock()
			budget := int(e.PagesToScan())
			if budget <= 0 {
				budget = defaultPagesToScan
			}
			e.Scan(ctx, budget)
			e.engineMu.Unlock()

			if !e.sleepBatch(ctx, limiter) {
				return nil
			}

		default: // Stop, Unmerge: idle until the mode changes.
			if !e.sleepBatch(ctx, limiter) {
				return nil
			}
		}
	}
}

// hasEnrollment reports whether at least one address space is enrolled.
func (e *Engine) hasEnrollment() bool {
	e.mmlistMu.Lock()
	defer e.mmlistMu.Unlock()
	return e.reg.head != nil
}

// waitForEnrollment blocks until an address space is enrolled or ctx is
// canceled, implementing spec.md §5(ii). Returns false on cancellation.
func (e *Engine) waitForEnrollment(ctx gcontext.Context) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.noEnrollment.Signal()
		case <-done:
		}
	}()
	defer close(done)

	e.mmlistMu.Lock()
	defer e.mmlistMu.Unlock()
	for e.reg.head == nil {
		if ctx.Err() != nil {
			return false
		}
		e.noEnrollment.Wait()
	}
	return true
}

// sleepBatch paces the inter-batch interval using the configured
// sleep_millisecs knob as an interruptible token-bucket wait (spec.md
// §5(i)), so a context cancellation preempts it exactly at a batch
// boundary rather than after a fixed time.Sleep. Returns false if ctx was
// canceled.
func (e *Engine) sleepBatch(ctx gcontext.Context, limiter *rate.Limiter) bool {
	ms := e.SleepMillisecs()
	if ms == 0 {
		return ctx.Err() == nil
	}
	limiter.SetLimit(rate.Every(time.Duration(ms) * time.Millisecond))
	if err := limiter.WaitN(ctx, 1); err != nil {
		return false
	}
	return true
}
