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

package pagetables

import "github.com/tmdh/vmkern/pkg/hostarch"

// shifts holds the bit-shift used to index each of the four levels, from
// root to leaf: 39, 30, 21, 12. leafLevel is the index of the last shift.
var shifts = [4]uint{39, 30, 21, 12}

const leafLevel = len(shifts) - 1

func indexAt(v hostarch.Addr, shift uint) int {
	return int((uint64(v) >> shift) & 511)
}

func slotSpan(level int) hostarch.Addr {
	return hostarch.Addr(1) << shifts[level]
}

func slotBase(v hostarch.Addr, level int) hostarch.Addr {
	return v &^ (slotSpan(level) - 1)
}

// Allocator sources and reclaims the 4 KiB pages backing interior tables.
// pkg/pgalloc.Pool implements this against the global Page Pool.
type Allocator interface {
	// NewTable returns a zeroed page suitable for use as a Table.
	NewTable() *Table
	// PutTable returns t to the pool. t must have no valid entries.
	PutTable(t *Table)
}

// LeafVisitor is called once per leaf slot a Walk touches, with the guest
// virtual address the slot corresponds to and a pointer to the live entry.
// Returning false aborts the walk.
type LeafVisitor func(addr hostarch.Addr, e *Entry) bool

// Walker walks the tree rooted at Root.
type Walker struct {
	Root      *Table
	Allocator Allocator
}

// Walk visits every leaf slot in [ar.Start, ar.End) in ascending order.
//
// If alloc is true, missing interior tables are created with Allocator so
// that every slot in the range gets a visit (this is ReserveVirtual's
// mode: it must materialize the full path down to every leaf it is about
// to install). If alloc is false, an entirely-unpopulated interior entry
// causes the walk to skip that whole subtree without visiting any of its
// leaves — the walk never allocates, and the visitor never sees a slot
// that was never reserved.
//
// Walk returns false if the visitor aborted the walk early.
func (w *Walker) Walk(ar hostarch.AddrRange, alloc bool, visit LeafVisitor) bool {
	if ar.IsEmpty() {
		return true
	}
	return w.walkLevel(w.Root, 0, ar.Start, ar.End, alloc, visit)
}

func (w *Walker) walkLevel(t *Table, level int, start, end hostarch.Addr, alloc bool, visit LeafVisitor) bool {
	shift := shifts[level]
	for start < end {
		idx := indexAt(start, shift)
		entry := &t[idx]
		next := slotBase(start, level) + slotSpan(level)
		if next > end {
			next = end
		}

		if level == leafLevel {
			if !visit(start, entry) {
				return false
			}
			start = next
			continue
		}

		if !entry.Valid() {
			if !alloc {
				start = next
				continue
			}
			child := w.Allocator.NewTable()
			*entry = Make(tableHostAddr(child), V)
		}
		if !w.walkLevel(entry.childTable(), level+1, start, next, alloc, visit) {
			return false
		}
		start = next
	}
	return true
}

// FullyPopulated reports whether every leaf slot in ar has a valid entry.
// Unlike Walk(alloc=false), which treats an entirely-unpopulated interior
// entry as "nothing to visit" and skips it, FullyPopulated must descend
// far enough to tell "subtree absent" apart from "subtree present but one
// of its leaves is not", so a missing interior entry here immediately
// fails the check instead of being silently skipped.
func FullyPopulated(root *Table, ar hostarch.AddrRange) bool {
	if ar.IsEmpty() {
		return true
	}
	return fullyPopulatedLevel(root, 0, ar.Start, ar.End)
}

func fullyPopulatedLevel(t *Table, level int, start, end hostarch.Addr) bool {
	shift := shifts[level]
	for start < end {
		idx := indexAt(start, shift)
		entry := &t[idx]
		next := slotBase(start, level) + slotSpan(level)
		if next > end {
			next = end
		}
		if !entry.Valid() {
			return false
		}
		if level != leafLevel {
			if !fullyPopulatedLevel(entry.childTable(), level+1, start, next) {
				return false
			}
		}
		start = next
	}
	return true
}

// NextPopulated returns the address of the first populated slot at or
// after addr and before ceil, following FindVirtual's skip rule: an
// unpopulated entry at level i causes the probe to advance by 1<<shift(i)
// rather than descending, so an entirely-empty gigabyte-scale subtree is
// skipped in a handful of steps instead of one per page. ok is false if no
// populated slot exists in [addr, ceil).
func NextPopulated(root *Table, addr, ceil hostarch.Addr) (found hostarch.Addr, ok bool) {
	return nextPopulated(root, 0, addr, ceil)
}

func nextPopulated(t *Table, level int, addr, ceil hostarch.Addr) (hostarch.Addr, bool) {
	shift := shifts[level]
	for addr < ceil {
		idx := indexAt(addr, shift)
		entry := &t[idx]
		next := slotBase(addr, level) + slotSpan(level)

		if !entry.Valid() {
			addr = next
			continue
		}
		if level == leafLevel {
			return addr, true
		}
		bound := next
		if bound > ceil {
			bound = ceil
		}
		if found, ok := nextPopulated(entry.childTable(), level+1, addr, bound); ok {
			return found, true
		}
		addr = next
	}
	return ceil, false
}
