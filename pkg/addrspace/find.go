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
)

// ceilAddr is the exclusive upper bound FindVirtual probes against: the
// signed guest address space goes up to 2^47, matching IsValidAddrSize.
const ceilAddr = hostarch.Addr(maxVirtualSigned)

// FindVirtual scans forward from hint for the first hole of at least size
// bytes, skipping the precious window in linear mode and skipping
// entirely-unpopulated subtrees a whole level at a time rather than one
// page at a time (§4.4.5).
func FindVirtual(s *kernel.System, hint hostarch.Addr, size uint64) (hostarch.Addr, error) {
	if size == 0 {
		return 0, linuxerr.EINVAL
	}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	probe := hint.RoundDown()
	for {
		if s.Linear {
			precious := memlayout.PreciousRange()
			if probe < precious.End && probe+hostarch.Addr(size) > precious.Start {
				probe = precious.End
			}
		}
		if probe+hostarch.Addr(size) > ceilAddr || probe+hostarch.Addr(size) < probe {
			return 0, linuxerr.ENOMEM
		}

		ar := hostarch.AddrRange{Start: probe, End: probe + hostarch.Addr(size)}
		if s.Root == nil {
			return probe, nil
		}
		found, ok := pagetables.NextPopulated(s.Root, ar.Start, ar.End)
		if !ok {
			return probe, nil
		}
		// The first populated slot inside the candidate interval means
		// this hole is too small; restart the probe just past it.
		probe = found.RoundDown() + hostarch.PageSize
	}
}
