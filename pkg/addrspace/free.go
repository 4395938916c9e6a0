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
	"github.com/tmdh/vmkern/pkg/memlayout"
)

// FreeVirtual unmaps [virt, virt+size), returning any host resources it
// held, and invalidates every Machine's TLB (§4.4.2).
func FreeVirtual(s *kernel.System, virt hostarch.Addr, size uint64) error {
	if err := IsValidAddrSize(virt, size, s.Linear); err != nil {
		return err
	}
	ar := hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}

	s.MmapLock.Lock()
	linearRanges := removeVirtual(s, ar)
	if s.Linear {
		for _, r := range linearRanges {
			if err := munmapAt(uintptr(memlayout.ToHost(r.Start)), int(r.Length())); err != nil {
				s.MmapLock.Unlock()
				return err
			}
		}
	}
	s.MmapLock.Unlock()

	kernel.InvalidateSystem(s, false)
	return nil
}
