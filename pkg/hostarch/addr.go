// Copyright 2024 The Vmkern Authors.
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

// Package hostarch defines address and address-range types shared by the
// page table, address-space and allocator packages.
package hostarch

import "fmt"

// PageSize is the granularity at which the guest page table tracks
// mappings. It is fixed regardless of the host's own page size; hosts with
// a larger page size back a guest page with a "mug" mapping (see
// pkg/pagetables).
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// PageMask is the bits within a page.
const PageMask = PageSize - 1

// Addr is a guest virtual or host virtual address.
type Addr uint64

// RoundDown returns v rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns v rounded up to the nearest page boundary, and false if
// doing so overflows.
func (v Addr) RoundUp() (Addr, bool) {
	r := (v + PageSize - 1).RoundDown()
	return r, r >= v
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v Addr) IsPageAligned() bool {
	return v&PageMask == 0
}

// MustRoundUp is like RoundUp but panics on overflow. Used only where the
// caller has already bounds-checked the input.
func (v Addr) MustRoundUp() Addr {
	r, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch: %#x overflows on round up", uint64(v)))
	}
	return r
}

// AddrRange is a non-empty range [Start, End) of addresses.
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the size of the range in bytes.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// IsEmpty returns true if the range contains no addresses.
func (ar AddrRange) IsEmpty() bool {
	return ar.Start >= ar.End
}

// IsPageAligned returns true if both Start and End are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsSupersetOf returns true if ar entirely contains other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Intersect returns the intersection of ar and other. If they do not
// overlap, the result IsEmpty.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	start := ar.Start
	if other.Start > start {
		start = other.Start
	}
	end := ar.End
	if other.End < end {
		end = other.End
	}
	if end < start {
		end = start
	}
	return AddrRange{start, end}
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// AddrRangeSeq holds the up-to-512 contiguous sub-ranges a single
// RemoveVirtual/ProtectVirtual/SyncVirtual walk can accumulate before a
// single host munmap/mprotect/msync call. Modeled as a plain slice rather
// than gVisor's packed addrRangeSeq since the guest-visible contiguous-range
// count here is bounded by page-table fanout, not by per-VMA accounting.
type AddrRangeSeq []AddrRange

// Coalesce appends ar to seq, merging it with the last element if they are
// adjacent.
func (seq AddrRangeSeq) Coalesce(ar AddrRange) AddrRangeSeq {
	if n := len(seq); n > 0 && seq[n-1].End == ar.Start {
		seq[n-1].End = ar.End
		return seq
	}
	return append(seq, ar)
}
