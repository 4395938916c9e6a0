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
	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/memlayout"
	"github.com/tmdh/vmkern/pkg/pagetables"
)

// ProtectVirtual changes the protection of every leaf in [virt, virt+size)
// (§4.4.3). The interval must already be fully mapped. Host mprotect calls
// are batched: one per contiguous linear sub-range, one per individually
// mmap'd mug page.
func ProtectVirtual(s *kernel.System, virt hostarch.Addr, size uint64, prot int) error {
	if err := IsValidAddrSize(virt, size, s.Linear); err != nil {
		return err
	}
	ar := hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	if !isFullyMappedLocked(s, ar) {
		return linuxerr.ENOMEM
	}

	flags := flagsFromProt(prot)
	hprot := hostProt(prot)
	// In linear mode, an interval not aligned to the host's own page
	// size cannot be mprotect'd without risking a foreign page sharing
	// that host page being clamped too; widen the host-side protection
	// to RW and let the guest's logical protection come from page-table
	// inspection instead.
	hostPageSize := uint64(unix.Getpagesize())
	widenHost := s.Linear && (uint64(ar.Start)%hostPageSize != 0 || uint64(ar.End)%hostPageSize != 0)

	var linearRanges hostarch.AddrRangeSeq
	var firstErr error

	w := walker(s)
	w.Walk(ar, false, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		entry := *e
		if !entry.Valid() {
			return true
		}

		switch {
		case entry.Has(pagetables.MUG):
			p := hprot
			if widenHost {
				p = unix.PROT_READ | unix.PROT_WRITE
			}
			if err := unix.Mprotect(hostSlice(entry.Addr(), hostarch.PageSize), p); err != nil && firstErr == nil {
				firstErr = err
			}
		case entry.Has(pagetables.HOST | pagetables.MAP):
			linearRanges = linearRanges.Coalesce(hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
		}

		*e = entry.WithFlags((entry.Flags() &^ (pagetables.U | pagetables.RW | pagetables.XD)) | flags)
		return true
	})

	p := hprot
	if widenHost {
		p = unix.PROT_READ | unix.PROT_WRITE
	}
	for _, r := range linearRanges {
		if err := unix.Mprotect(hostSlice(uintptr(memlayout.ToHost(r.Start)), int(r.Length())), p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	kernel.InvalidateSystem(s, false)
	return firstErr
}
