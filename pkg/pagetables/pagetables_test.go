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

import (
	"testing"

	"github.com/tmdh/vmkern/pkg/hostarch"
)

// heapAllocator backs tables with ordinary Go heap allocations. It is not
// suitable for production use (the real host address of a heap object is
// not guest-dereferenceable), but it lets this package's tree-walking
// logic be tested in isolation from pkg/pgalloc's mmap-backed pool.
type heapAllocator struct {
	live map[*Table]bool
}

func newHeapAllocator() *heapAllocator {
	return &heapAllocator{live: make(map[*Table]bool)}
}

func (a *heapAllocator) NewTable() *Table {
	t := new(Table)
	a.live[t] = true
	return t
}

func (a *heapAllocator) PutTable(t *Table) {
	if !a.live[t] {
		panic("pagetables: double free of table")
	}
	delete(a.live, t)
}

func TestWalkAllocatesMissingTables(t *testing.T) {
	a := newHeapAllocator()
	root := a.NewTable()
	w := &Walker{Root: root, Allocator: a}

	ar := hostarch.AddrRange{Start: 0x10000, End: 0x10000 + 3*hostarch.PageSize}
	var visited []hostarch.Addr
	ok := w.Walk(ar, true, func(addr hostarch.Addr, e *Entry) bool {
		*e = Make(uintptr(0x1000*len(visited)+0x2000000), V|HOST|U|RW)
		visited = append(visited, addr)
		return true
	})
	if !ok {
		t.Fatalf("Walk aborted unexpectedly")
	}
	if len(visited) != 3 {
		t.Fatalf("got %d leaf visits, want 3", len(visited))
	}
	if visited[0] != 0x10000 || visited[2] != 0x10000+2*hostarch.PageSize {
		t.Fatalf("unexpected visit addresses: %v", visited)
	}
}

func TestWalkWithoutAllocSkipsMissingSubtrees(t *testing.T) {
	a := newHeapAllocator()
	root := a.NewTable()
	w := &Walker{Root: root, Allocator: a}

	var visited int
	ok := w.Walk(hostarch.AddrRange{Start: 0, End: 1 << 40}, false, func(addr hostarch.Addr, e *Entry) bool {
		visited++
		return true
	})
	if !ok || visited != 0 {
		t.Fatalf("expected zero visits over an empty tree, got %d", visited)
	}
}

func TestWalkAbort(t *testing.T) {
	a := newHeapAllocator()
	root := a.NewTable()
	w := &Walker{Root: root, Allocator: a}

	ar := hostarch.AddrRange{Start: 0, End: 4 * hostarch.PageSize}
	var visited int
	ok := w.Walk(ar, true, func(addr hostarch.Addr, e *Entry) bool {
		visited++
		return visited < 2
	})
	if ok {
		t.Fatalf("expected Walk to report abort")
	}
	if visited != 2 {
		t.Fatalf("got %d visits before abort, want 2", visited)
	}
}

func TestNextPopulated(t *testing.T) {
	a := newHeapAllocator()
	root := a.NewTable()
	w := &Walker{Root: root, Allocator: a}

	target := hostarch.Addr(1 << 35)
	w.Walk(hostarch.AddrRange{Start: target, End: target + hostarch.PageSize}, true, func(addr hostarch.Addr, e *Entry) bool {
		*e = Make(0x3000, V|HOST)
		return true
	})

	found, ok := NextPopulated(root, 0, 1<<47)
	if !ok {
		t.Fatalf("expected to find the populated page")
	}
	if found != target {
		t.Fatalf("NextPopulated = %#x, want %#x", uint64(found), uint64(target))
	}

	_, ok = NextPopulated(root, target+hostarch.PageSize, 1<<47)
	if ok {
		t.Fatalf("expected no populated entry after the only mapped page")
	}
}

func TestFreePageTablesCollapsesEmptySubtree(t *testing.T) {
	// FreePageTables is applied by CleanseMemory to the subtree hanging off
	// a single top-level entry, never to the System's own root table (the
	// root page is owned for the System's lifetime). Exercise it the way
	// CleanseMemory does: populate one leaf two levels down, clear it, and
	// confirm the now-empty interior tables collapse back to the pool.
	a := newHeapAllocator()
	root := a.NewTable()
	w := &Walker{Root: root, Allocator: a}

	ar := hostarch.AddrRange{Start: 1 << 30, End: 1<<30 + hostarch.PageSize}
	w.Walk(ar, true, func(addr hostarch.Addr, e *Entry) bool {
		*e = Make(0x4000, V|HOST)
		return true
	})
	if len(a.live) <= 1 {
		t.Fatalf("expected interior tables to have been allocated")
	}

	// Clear the one leaf so the whole branch becomes reclaimable.
	w.Walk(ar, false, func(addr hostarch.Addr, e *Entry) bool {
		*e = 0
		return true
	})

	rootEntry := &root[indexAt(ar.Start, shifts[0])]
	if !rootEntry.Valid() {
		t.Fatalf("expected the top-level slot to still reference a child table")
	}
	child := rootEntry.childTable()
	if !FreePageTables(a, child, 1) {
		t.Fatalf("expected the now-empty subtree to collapse")
	}
	*rootEntry = 0

	if len(a.live) != 1 {
		t.Fatalf("expected only the root table to remain live, got %d", len(a.live))
	}
}
