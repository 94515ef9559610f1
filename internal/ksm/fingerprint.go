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

	"github.com/cespare/xxhash/v2"
	"github.com/wilinz/ksmd/internal/hostvm"
)

// pageScratch is a reusable scratch buffer sized to exactly one page. Page
// Compare's two operations (checksum, compare) both require transient
// mappings of the candidate pages into a scratch window; here that window
// is simply a byte slice, strictly scoped to the call that reads it.
type pageScratch [hostvm.PageSize]byte

// checksum computes a 32-bit non-cryptographic fingerprint of page's
// current bytes. It is a change-detector only: collisions are tolerated
// and must never be treated as an equality witness (spec.md §4.A).
func checksum(page hostvm.Page) (uint32, error) {
	var buf pageScratch
	if err := page.ReadAt(buf[:]); err != nil {
		return 0, err
	}
	return checksumBytes(buf[:]), nil
}

// checksumBytes is checksum's underlying digest, usable directly when the
// caller already has the page's bytes in hand (e.g. the scanner, which
// reads once and both checksums and tree-orders the same buffer).
func checksumBytes(b []byte) uint32 {
	// Truncate the 64-bit digest; xxhash's avalanche properties make the
	// low 32 bits as well-distributed as the full digest for a
	// change-detector role.
	return uint32(xxhash.Sum64(b))
}

// compare performs a total, deterministic byte-wise comparison of two
// pages' current content. Unlike checksum, the result is a correctness
// witness: callers rely on compare == 0 to mean "byte-identical right
// now", never on checksum equality alone.
func compare(a, b hostvm.Page) (int, error) {
	var bufA, bufB pageScratch
	if err := a.ReadAt(bufA[:]); err != nil {
		return 0, err
	}
	if err := b.ReadAt(bufB[:]); err != nil {
		return 0, err
	}
	return bytes.Compare(bufA[:], bufB[:]), nil
}

// identical reports whether a and b currently hold byte-identical content.
func identical(a, b hostvm.Page) (bool, error) {
	c, err := compare(a, b)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}
