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

// Package addrspace implements the guest address-space operations that
// walk a kernel.System's page tables: reservation, protection, sync,
// hole-finding and mapped/unmapped queries (§4.4). It is the sole caller
// of pkg/pagetables' Walker against a live System.Root.
package addrspace

import (
	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/memlayout"
	"github.com/tmdh/vmkern/pkg/pagetables"
)

// Guest-visible protection bits, matching the host's PROT_* values so
// callers can pass mmap(2)'s prot argument straight through.
const (
	ProtRead  = unix.PROT_READ
	ProtWrite = unix.PROT_WRITE
	ProtExec  = unix.PROT_EXEC
)

// maxVirtualSigned is kMaxVirtual expressed as the signed bound
// IsValidAddrSize checks against: guest addresses occupy [-2^47, 2^47).
const maxVirtualSigned = int64(1) << 47

// IsValidAddrSize validates a guest interval the way every §4.4 operation
// does before touching the page tables: positive size, page-aligned base,
// base and end within the 48-bit signed guest address space. In linear
// mode it additionally rejects negative bases (linear mode has no notion
// of a negative-offset host mapping), bases unaligned to the host's own
// page size, and any overlap with the precious window.
func IsValidAddrSize(virt hostarch.Addr, size uint64, linear bool) error {
	if size == 0 {
		return linuxerr.EINVAL
	}
	if !virt.IsPageAligned() {
		return linuxerr.EINVAL
	}
	base := int64(virt)
	if base < -maxVirtualSigned || base >= maxVirtualSigned {
		return linuxerr.EINVAL
	}
	end := virt + hostarch.Addr(size)
	if int64(end) > maxVirtualSigned {
		return linuxerr.EINVAL
	}

	if linear {
		if base < 0 {
			return linuxerr.ENOTSUP
		}
		hostPage := uint64(unix.Getpagesize())
		if uint64(virt)%hostPage != 0 {
			return linuxerr.EINVAL
		}
		ar := hostarch.AddrRange{Start: virt, End: end}
		if ar.Overlaps(memlayout.PreciousRange()) {
			return linuxerr.EINVAL
		}
	}
	return nil
}

// flagsFromProt translates guest mmap/mprotect protection bits into the
// page-table attribute bits that encode them (§4.4.1 "Protection
// translation"): PROT_READ -> PAGE_U, PROT_WRITE -> PAGE_RW, and the
// *absence* of PROT_EXEC -> PAGE_XD, since the execute-disable bit is set
// to mean non-executable.
func flagsFromProt(prot int) pagetables.Entry {
	var f pagetables.Entry
	if prot&ProtRead != 0 {
		f |= pagetables.U
	}
	if prot&ProtWrite != 0 {
		f |= pagetables.RW
	}
	if prot&ProtExec == 0 {
		f |= pagetables.XD
	}
	return f
}

// hostProt strips PROT_EXEC before any call that reaches the host mmap or
// mprotect: this emulator never executes guest memory natively, and a
// W^X host would reject a mapping request that carried it.
func hostProt(prot int) int {
	return prot &^ ProtExec
}

func walker(s *kernel.System) *pagetables.Walker {
	return &pagetables.Walker{Root: s.Root, Allocator: s.Pool}
}
