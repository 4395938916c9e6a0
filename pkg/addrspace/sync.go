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
	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/memlayout"
	"github.com/tmdh/vmkern/pkg/pagetables"

	"golang.org/x/sys/unix"
)

// SyncVirtual flushes [virt, virt+size) to its backing file (§4.4.4).
// virt is rounded down to the host page size in linear mode (widening
// size to match); the interval must already be fully mapped. No TLB
// invalidation is needed since msync does not change any mapping.
func SyncVirtual(s *kernel.System, virt hostarch.Addr, size uint64, sysflags int) error {
	if s.Linear {
		hostPage := hostarch.Addr(unix.Getpagesize())
		aligned := virt &^ (hostPage - 1)
		size += uint64(virt - aligned)
		virt = aligned
	}
	if err := IsValidAddrSize(virt, size, s.Linear); err != nil {
		return err
	}
	ar := hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	if !isFullyMappedLocked(s, ar) {
		return linuxerr.ENOMEM
	}

	var linearRanges hostarch.AddrRangeSeq
	var firstErr error

	w := walker(s)
	w.Walk(ar, false, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		entry := *e
		switch {
		case entry.Has(pagetables.MUG):
			if err := unix.Msync(hostSlice(entry.Addr(), hostarch.PageSize), sysflags); err != nil && firstErr == nil {
				firstErr = err
			}
		case entry.Has(pagetables.HOST | pagetables.MAP):
			linearRanges = linearRanges.Coalesce(hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
		}
		return true
	})

	for _, r := range linearRanges {
		if err := unix.Msync(hostSlice(uintptr(memlayout.ToHost(r.Start)), int(r.Length())), sysflags); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
