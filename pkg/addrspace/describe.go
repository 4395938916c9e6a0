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
	"fmt"
	"strings"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/pagetables"
)

// Mapping is one contiguous run of leaves sharing the same protection and
// backing kind, as reported by DescribeMappings.
type Mapping struct {
	Range hostarch.AddrRange
	Prot  int
	Mug   bool
	EOF   bool
}

func (m Mapping) protString() string {
	r, w, x := "-", "-", "-"
	if m.Prot&ProtRead != 0 {
		r = "r"
	}
	if m.Prot&ProtWrite != 0 {
		w = "w"
	}
	if m.Prot&ProtExec != 0 {
		x = "x"
	}
	return r + w + x
}

// DescribeMappings walks the whole address space and returns one Mapping
// per maximal run of adjacent leaves with identical protection and
// backing kind, in ascending address order — the guest-memory analogue of
// /proc/[pid]/maps (SUPPLEMENTED per this module's expanded scope; §4.4
// names the walk primitives but not a reporting surface).
func DescribeMappings(s *kernel.System) []Mapping {
	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	var out []Mapping
	if s.Root == nil {
		return out
	}

	w := walker(s)
	full := hostarch.AddrRange{Start: 0, End: ceilAddr}
	w.Walk(full, false, func(addr hostarch.Addr, e *pagetables.Entry) bool {
		entry := *e
		if !entry.Valid() {
			return true
		}
		prot := 0
		if entry.Has(pagetables.U) {
			prot |= ProtRead
		}
		if entry.Has(pagetables.RW) {
			prot |= ProtWrite
		}
		if !entry.Has(pagetables.XD) {
			prot |= ProtExec
		}
		m := Mapping{
			Range: hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize},
			Prot:  prot,
			Mug:   entry.Has(pagetables.MUG),
			EOF:   entry.Has(pagetables.EOF),
		}

		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Range.End == m.Range.Start && last.Prot == m.Prot && last.Mug == m.Mug && !last.EOF {
				last.Range.End = m.Range.End
				last.EOF = m.EOF
				return true
			}
		}
		out = append(out, m)
		return true
	})
	return out
}

// FormatMappings renders mappings in a /proc/[pid]/maps-like line format.
func FormatMappings(mappings []Mapping) string {
	var b strings.Builder
	for _, m := range mappings {
		kind := "anon"
		if m.Mug {
			kind = "mug"
		}
		fmt.Fprintf(&b, "%s %s %s\n", m.Range, m.protString(), kind)
	}
	return b.String()
}
