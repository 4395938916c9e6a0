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

package addrspace

import (
	"testing"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/pagetables"
)

// newNonLinearSystem returns a ModeLong System with linear mode disabled,
// so reservations never touch the host mmap path and tests exercise only
// the page-table bookkeeping.
func newNonLinearSystem(t *testing.T) *kernel.System {
	t.Helper()
	s, err := kernel.NewSystem(kernel.ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	s.Linear = false
	return s
}

func TestIsValidAddrSizeRejectsMisaligned(t *testing.T) {
	if err := IsValidAddrSize(1, hostarch.PageSize, false); err == nil {
		t.Fatalf("expected error for unaligned base")
	}
	if err := IsValidAddrSize(0, 0, false); err == nil {
		t.Fatalf("expected error for zero size")
	}
}

func TestReserveThenFullyMapped(t *testing.T) {
	s := newNonLinearSystem(t)
	const base = hostarch.Addr(0x10000)
	const size = 4 * hostarch.PageSize

	if err := ReserveVirtual(s, base, size, ProtRead|ProtWrite, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if !IsFullyMapped(s, base, size) {
		t.Fatalf("expected IsFullyMapped after ReserveVirtual")
	}
	if IsFullyUnmapped(s, base, size) {
		t.Fatalf("must not report unmapped right after reservation")
	}
}

// TestReserveSharedAnonymousTakesMugPath asserts that a non-linear,
// anonymous (fd == -1), MAP_SHARED reservation gets its own individually
// mmap'd host page (HOST|MAP|MUG) rather than falling through to the
// reservation-only default path a private anonymous mapping takes.
func TestReserveSharedAnonymousTakesMugPath(t *testing.T) {
	s := newNonLinearSystem(t)
	const base = hostarch.Addr(0x30000)
	const size = hostarch.PageSize

	if err := ReserveVirtual(s, base, size, ProtRead|ProtWrite, -1, 0, true); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	var got pagetables.Entry
	w := walker(s)
	w.Walk(hostarch.AddrRange{Start: base, End: base + size}, false, func(_ hostarch.Addr, e *pagetables.Entry) bool {
		got = *e
		return true
	})
	if !got.Has(pagetables.HOST | pagetables.MAP | pagetables.MUG) {
		t.Fatalf("shared anonymous reservation should take the MUG host-backed path, got flags %#x", got)
	}
}

func TestFreeThenFullyUnmapped(t *testing.T) {
	s := newNonLinearSystem(t)
	const base = hostarch.Addr(0x20000)
	const size = 2 * hostarch.PageSize

	if err := ReserveVirtual(s, base, size, ProtRead|ProtWrite, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if err := FreeVirtual(s, base, size); err != nil {
		t.Fatalf("FreeVirtual: %v", err)
	}
	if !IsFullyUnmapped(s, base, size) {
		t.Fatalf("expected IsFullyUnmapped after FreeVirtual")
	}
}

func TestReserveOverlapNarrowsProtection(t *testing.T) {
	s := newNonLinearSystem(t)
	const base = hostarch.Addr(0x30000)
	const whole = 8 * hostarch.PageSize

	if err := ReserveVirtual(s, base, whole, ProtRead|ProtWrite, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual whole: %v", err)
	}
	overlapStart := base + 2*hostarch.PageSize
	if err := ReserveVirtual(s, overlapStart, 2*hostarch.PageSize, ProtRead, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual overlap: %v", err)
	}
	if !IsFullyMapped(s, base, whole) {
		t.Fatalf("expected the whole interval to remain mapped after an internal overlap")
	}

	m := DescribeMappings(s)
	var sawReadOnly bool
	for _, mp := range m {
		if mp.Range.Start == overlapStart && mp.Prot == ProtRead {
			sawReadOnly = true
		}
	}
	if !sawReadOnly {
		t.Fatalf("expected a read-only run at %v, got %+v", overlapStart, m)
	}
}

func TestFindVirtualSkipsReservedHole(t *testing.T) {
	s := newNonLinearSystem(t)
	const base = hostarch.Addr(0x40000)
	const size = 4 * hostarch.PageSize

	if err := ReserveVirtual(s, base, size, ProtRead|ProtWrite, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	found, err := FindVirtual(s, base, hostarch.PageSize)
	if err != nil {
		t.Fatalf("FindVirtual: %v", err)
	}
	if found < base+hostarch.Addr(size) {
		t.Fatalf("FindVirtual returned %#x, which overlaps the reserved interval ending at %#x",
			uint64(found), uint64(base+hostarch.Addr(size)))
	}
}

func TestProtectVirtualRequiresFullyMapped(t *testing.T) {
	s := newNonLinearSystem(t)
	err := ProtectVirtual(s, hostarch.Addr(0x50000), hostarch.PageSize, ProtRead)
	if err == nil {
		t.Fatalf("expected an error protecting an unmapped interval")
	}
}
