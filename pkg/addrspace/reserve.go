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
	"github.com/tmdh/vmkern/pkg/memlayout"
	"github.com/tmdh/vmkern/pkg/pagetables"
	"github.com/tmdh/vmkern/pkg/pgalloc"
)

// removeVirtual walks ar's existing leaves and releases whatever they
// hold, per §4.4.1's pre-step: an anonymous {HOST} leaf goes back to the
// pool; a {HOST|MAP|MUG} leaf is munmap'd individually; a linear
// {HOST|MAP} leaf is *not* unmapped here — its guest-virtual sub-range is
// coalesced into the returned sequence so the caller can either replace
// it with one MAP_FIXED call or pre-munmap it before a greenfield
// remap. Every visited leaf is zeroed and its VSS/RSS counters are updated
// regardless of which branch handled it; churn is counted only for leaves
// whose host backing was released or queued for unmapping.
func removeVirtual(s *kernel.System, ar hostarch.AddrRange) hostarch.AddrRangeSeq {
	var linear hostarch.AddrRangeSeq
	if s.Root == nil {
		return linear
	}

	w := walker(s)
	w.Walk(ar, false, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		entry := *e
		if !entry.Valid() {
			return true
		}

		switch {
		case entry.Has(pagetables.HOST | pagetables.MAP | pagetables.MUG):
			if err := munmapAt(entry.Addr(), hostarch.PageSize); err == nil {
				s.Counters.AddMemchurn(1)
			}
		case entry.Has(pagetables.HOST | pagetables.MAP):
			linear = linear.Coalesce(hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
			s.Counters.AddMemchurn(1)
		case entry.Has(pagetables.HOST):
			pgalloc.FreeAnonymousPage(&s.Counters, entry)
			s.Counters.AddMemchurn(1)
		}

		if entry.Has(pagetables.V) {
			s.Counters.AddVSS(-1)
			if !entry.Has(pagetables.RSRV) {
				s.Counters.AddRSS(-1)
			}
		}
		*e = 0
		return true
	})
	return linear
}

// ReserveVirtual installs a new mapping over [virt, virt+size), releasing
// whatever previously lived there first (§4.4.1).
func ReserveVirtual(s *kernel.System, virt hostarch.Addr, size uint64, prot int, fd int, offset int64, shared bool) error {
	if err := IsValidAddrSize(virt, size, s.Linear); err != nil {
		return err
	}
	end := virt + hostarch.Addr(size)
	ar := hostarch.AddrRange{Start: virt, End: end}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	linearHoles := removeVirtual(s, ar)

	hprot := hostProt(prot)
	mmapFlags := unix.MAP_PRIVATE
	if shared {
		mmapFlags = unix.MAP_SHARED
	}
	if fd == -1 {
		mmapFlags |= unix.MAP_ANONYMOUS
	}

	if s.Linear {
		coalescedWhole := len(linearHoles) == 1 && linearHoles[0] == ar
		switch {
		case coalescedWhole:
			// The old and new mappings cover exactly the same single
			// range: let the kernel replace it atomically.
			if err := mapFixed(uintptr(memlayout.ToHost(virt)), int(size), hprot, mmapFlags, fd, offset); err != nil {
				pgalloc.PanicDueToMmap(err.(unix.Errno))
			}
		default:
			// Holes, multiple ranges, or nothing previously mapped:
			// pre-munmap the pieces that were mapped, then demand the
			// whole interval as greenfield. Once the first munmap below
			// runs, the host address space and the page tables have
			// diverged; any failure past this point is unrecoverable.
			for _, r := range linearHoles {
				if err := munmapAt(uintptr(memlayout.ToHost(r.Start)), int(r.Length())); err != nil {
					pgalloc.PanicDueToMmap(err.(unix.Errno))
				}
			}
			if err := mapFixed(uintptr(memlayout.ToHost(virt)), int(size), hprot, mmapFlags, fd, offset); err != nil {
				pgalloc.PanicDueToMmap(err.(unix.Errno))
			}
		}
	}

	flags := flagsFromProt(prot)
	off := offset
	var allocErr error
	w := walker(s)
	w.Walk(ar, true, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		var leaf pagetables.Entry
		switch {
		case s.Linear:
			leaf = pagetables.Make(uintptr(memlayout.ToHost(addr)), pagetables.HOST|pagetables.MAP|flags|pagetables.V)
			s.Counters.AddRSS(1)
		case fd != -1 || shared:
			host, err := pgalloc.AllocateBig(hostarch.PageSize, hprot, mmapFlags, fd, off)
			if err != nil {
				allocErr = err
				return false
			}
			leaf = pagetables.Make(host, pagetables.HOST|pagetables.MAP|pagetables.MUG|flags|pagetables.V|pagetables.RSRV)
			off += hostarch.PageSize
		default:
			leaf = flags | pagetables.V | pagetables.RSRV
		}
		if fd != -1 && addr+hostarch.PageSize >= end {
			leaf |= pagetables.EOF
		}
		*e = leaf
		s.Counters.AddVSS(1)
		return true
	})
	return allocErr
}
