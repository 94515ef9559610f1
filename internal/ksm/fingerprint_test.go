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
	"testing"

	"github.com/wilinz/ksmd/internal/hostvm"
)

func fixturePage(t *testing.T, host *hostvm.SimulatedHost, fill byte) hostvm.Page {
	t.Helper()
	as := hostvm.NewSimulatedAS()
	content := make([]byte, hostvm.PageSize)
	for i := range content {
		content[i] = fill
	}
	if err := as.MapAnon(0, content); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	p, ok := host.FollowPage(testCtx(), as, 0, hostvm.Get)
	if !ok {
		t.Fatalf("FollowPage: not found")
	}
	return p
}

func TestChecksumStableAcrossReads(t *testing.T) {
	host := hostvm.NewSimulatedHost()
	p := fixturePage(t, host, 0x41)
	defer p.Put()

	a, err := checksum(p)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	b, err := checksum(p)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if a != b {
		t.Fatalf("checksum not stable across reads: %d != %d", a, b)
	}
}

func TestChecksumDiffersForDifferentContent(t *testing.T) {
	host := hostvm.NewSimulatedHost()
	p1 := fixturePage(t, host, 0x00)
	defer p1.Put()
	p2 := fixturePage(t, host, 0xFF)
	defer p2.Put()

	s1, err := checksum(p1)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	s2, err := checksum(p2)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("distinct page contents hashed equal: %d", s1)
	}
}

func TestIdenticalByteIdenticalPages(t *testing.T) {
	host := hostvm.NewSimulatedHost()
	p1 := fixturePage(t, host, 0x41)
	defer p1.Put()
	p2 := fixturePage(t, host, 0x41)
	defer p2.Put()

	same, err := identical(p1, p2)
	if err != nil {
		t.Fatalf("identical: %v", err)
	}
	if !same {
		t.Fatalf("byte-identical pages reported as different")
	}

	p3 := fixturePage(t, host, 0x00)
	defer p3.Put()
	same, err = identical(p1, p3)
	if err != nil {
		t.Fatalf("identical: %v", err)
	}
	if same {
		t.Fatalf("distinct pages reported as identical")
	}
}
