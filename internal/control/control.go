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

// Package control exposes the engine's control surface (spec.md §6) as a
// urpc-registered object, served over the same abstract-unix-socket +
// control.Server pattern the host toolchain uses for its own admin sockets.
package control

import (
	"github.com/wilinz/ksmd/internal/gvisorctx"
	"github.com/wilinz/ksmd/internal/ksm"
)

// Ksm is the urpc-registered control object wrapping an *ksm.Engine. Every
// exported method follows the net/rpc calling convention urpc itself
// implements: func(In, *Out) error.
type Ksm struct {
	Engine *ksm.Engine
}

// StatusArgs is the (empty) argument to GetStatus.
type StatusArgs struct{}

// Status mirrors the read-only counters and current knob values, the full
// snapshot a `ksmctl status` call needs in one round trip.
type Status struct {
	Run            string
	SleepMillisecs uint32
	PagesToScan    uint32
	MaxKernelPages uint64
	PagesShared    uint64
	PagesSharing   uint64
	PagesUnshared  uint64
	PagesVolatile  uint64
	FullScans      uint64
}

// GetStatus returns a full snapshot of the engine's state.
func (k *Ksm) GetStatus(args StatusArgs, out *Status) error {
	c := k.Engine.Counters()
	*out = Status{
		Run:            k.Engine.Mode().String(),
		SleepMillisecs: k.Engine.SleepMillisecs(),
		PagesToScan:    k.Engine.PagesToScan(),
		MaxKernelPages: k.Engine.MaxKernelPages(),
		PagesShared:    c.PagesShared,
		PagesSharing:   c.PagesSharing,
		PagesUnshared:  c.PagesUnshared,
		PagesVolatile:  c.PagesVolatile,
		FullScans:      c.FullScans,
	}
	return nil
}

// SetSleepMillisecsArgs is GetStatus's write-side counterpart for the
// sleep_millisecs knob.
type SetSleepMillisecsArgs struct {
	Value uint64
}

// SetSleepMillisecs implements the sleep_millisecs knob write (spec.md §6).
func (k *Ksm) SetSleepMillisecs(args SetSleepMillisecsArgs, _ *struct{}) error {
	return k.Engine.SetSleepMillisecs(args.Value)
}

// SetPagesToScanArgs is the write-side counterpart for pages_to_scan.
type SetPagesToScanArgs struct {
	Value uint64
}

// SetPagesToScan implements the pages_to_scan knob write (spec.md §6).
func (k *Ksm) SetPagesToScan(args SetPagesToScanArgs, _ *struct{}) error {
	return k.Engine.SetPagesToScan(args.Value)
}

// SetMaxKernelPagesArgs is the write-side counterpart for max_kernel_pages.
type SetMaxKernelPagesArgs struct {
	Value uint64
}

// SetMaxKernelPages implements the max_kernel_pages knob write (spec.md §6).
func (k *Ksm) SetMaxKernelPages(args SetMaxKernelPagesArgs, _ *struct{}) error {
	k.Engine.SetMaxKernelPages(args.Value)
	return nil
}

// SetRunArgs is the write-side counterpart for the `run` knob. Writing
// "unmerge" blocks the RPC call until the synchronous unmerge completes
// (spec.md §6).
type SetRunArgs struct {
	Mode string
}

// SetRun implements the `run` knob's write semantics.
func (k *Ksm) SetRun(args SetRunArgs, _ *struct{}) error {
	mode, err := ksm.ParseMode(args.Mode)
	if err != nil {
		return err
	}
	// urpc does not thread a per-call context.Context through to
	// registered methods, so SetRun runs the unmerge under a background
	// context that is never canceled: a SetRun("unmerge") is not
	// interrupted by the client disconnecting or by daemon shutdown, and
	// never returns ErrInterrupted.
	return k.Engine.SetMode(gvisorctx.Background(), mode)
}
