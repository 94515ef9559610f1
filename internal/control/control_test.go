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

package control

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/wilinz/ksmd/internal/hostvm"
	"github.com/wilinz/ksmd/internal/ksm"
)

func testEngine() *ksm.Engine {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return ksm.NewEngine(hostvm.NewSimulatedHost(), logrus.NewEntry(l), 20, 100, 0)
}

// TestGetStatusReflectsEngineState exercises the urpc wiring end to end
// through plain Go calls: the RPC transport itself is a thin unet/urpc
// pass-through the host toolchain already owns.
func TestGetStatusReflectsEngineState(t *testing.T) {
	k := &Ksm{Engine: testEngine()}

	var st Status
	if err := k.GetStatus(StatusArgs{}, &st); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Run != "stop" {
		t.Fatalf("Run = %q, want %q", st.Run, "stop")
	}
	if st.SleepMillisecs != 20 || st.PagesToScan != 100 {
		t.Fatalf("knobs = %+v, want sleep=20 pages=100", st)
	}
}

// TestSetRunWritesEngineMode covers the run knob's write path, including
// that a successful write is immediately visible via GetStatus.
func TestSetRunWritesEngineMode(t *testing.T) {
	k := &Ksm{Engine: testEngine()}

	if err := k.SetRun(SetRunArgs{Mode: "merge"}, nil); err != nil {
		t.Fatalf("SetRun(merge): %v", err)
	}
	if k.Engine.Mode() != ksm.ModeMerge {
		t.Fatalf("mode = %v, want Merge", k.Engine.Mode())
	}

	var st Status
	if err := k.GetStatus(StatusArgs{}, &st); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Run != "merge" {
		t.Fatalf("Run = %q, want %q", st.Run, "merge")
	}
}

// TestSetRunRejectsUnknownMode covers the run knob's validation path.
func TestSetRunRejectsUnknownMode(t *testing.T) {
	k := &Ksm{Engine: testEngine()}
	if err := k.SetRun(SetRunArgs{Mode: "bogus"}, nil); err == nil {
		t.Fatalf("SetRun(bogus) succeeded, want an error")
	}
}

// TestSetKnobsRejectOverflow is spec.md §6's numeric-knob write semantics:
// reject on overflow rather than silently truncating to u32.
func TestSetKnobsRejectOverflow(t *testing.T) {
	k := &Ksm{Engine: testEngine()}

	if err := k.SetSleepMillisecs(SetSleepMillisecsArgs{Value: 1 << 40}, nil); !errors.Is(err, ksm.ErrInvalidArgument) {
		t.Fatalf("SetSleepMillisecs overflow = %v, want ErrInvalidArgument", err)
	}
	if err := k.SetPagesToScan(SetPagesToScanArgs{Value: 1 << 40}, nil); !errors.Is(err, ksm.ErrInvalidArgument) {
		t.Fatalf("SetPagesToScan overflow = %v, want ErrInvalidArgument", err)
	}

	if err := k.SetSleepMillisecs(SetSleepMillisecsArgs{Value: 50}, nil); err != nil {
		t.Fatalf("SetSleepMillisecs(50): %v", err)
	}
	if got := k.Engine.SleepMillisecs(); got != 50 {
		t.Fatalf("SleepMillisecs = %d, want 50", got)
	}
}

// TestSetMaxKernelPages covers the one knob write with no overflow check
// (max_kernel_pages is already a u64 on the wire).
func TestSetMaxKernelPages(t *testing.T) {
	k := &Ksm{Engine: testEngine()}
	if err := k.SetMaxKernelPages(SetMaxKernelPagesArgs{Value: 42}, nil); err != nil {
		t.Fatalf("SetMaxKernelPages: %v", err)
	}
	if got := k.Engine.MaxKernelPages(); got != 42 {
		t.Fatalf("MaxKernelPages = %d, want 42", got)
	}
}
