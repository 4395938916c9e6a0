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
	"github.com/tmdh/vmkern/pkg/pagetables"
)

// IsFullyMapped reports whether every page of [virt, virt+size) has a
// valid leaf (§4.4.6).
func IsFullyMapped(s *kernel.System, virt hostarch.Addr, size uint64) bool {
	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()
	return isFullyMappedLocked(s, hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)})
}

func isFullyMappedLocked(s *kernel.System, ar hostarch.AddrRange) bool {
	if s.Root == nil {
		return ar.IsEmpty()
	}
	return pagetables.FullyPopulated(s.Root, ar)
}

// IsFullyUnmapped reports whether no page of [virt, virt+size) has a
// valid leaf. In linear mode it additionally rejects any interval
// overlapping the precious window, since that range can never be
// genuinely free for guest use (§4.4.6).
func IsFullyUnmapped(s *kernel.System, virt hostarch.Addr, size uint64) bool {
	ar := hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}
	if s.Linear && ar.Overlaps(memlayout.PreciousRange()) {
		return false
	}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()
	if s.Root == nil {
		return true
	}
	empty := true
	w := walker(s)
	w.Walk(ar, false, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		if e.Valid() {
			empty = false
			return false
		}
		return true
	})
	return empty
}
