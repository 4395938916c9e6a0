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

package pgalloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/pagetables"
	"github.com/tmdh/vmkern/pkg/usage"
)

// pageBatch is the number of pages requested from the Big Arena on a pool
// refill: batch allocation amortizes host mmap cost, and the pages are
// interchangeable and hot in cache when recycled.
const pageBatch = 64

type freeNode struct {
	addr uintptr
	next *freeNode
}

var (
	poolMu sync.Mutex
	free   *freeNode
)

// AllocatePage returns a leaf PTE for one zeroed, anonymous, read-write
// host page: host_addr | PAGE_HOST | PAGE_U | PAGE_RW | PAGE_V. If the
// free list is non-empty, a page is popped under the pool lock; otherwise
// a batch of pageBatch pages is requested from the Big Arena, 63 of them
// are pushed onto the free list, and one is kept.
func AllocatePage(c *usage.Counters) (pagetables.Entry, error) {
	if addr, ok := popFree(); ok {
		c.AddCommitted(1)
		c.AddReclaimed(1)
		return pagetables.Make(addr, pagetables.HOST|pagetables.U|pagetables.RW|pagetables.V), nil
	}

	base, err := AllocateBig(pageBatch*hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0)
	if err != nil {
		return 0, err
	}

	poolMu.Lock()
	for i := 1; i < pageBatch; i++ {
		pushFreeLocked(base + uintptr(i*hostarch.PageSize))
	}
	poolMu.Unlock()

	c.AddAllocated(1)
	c.AddCommitted(1)
	return pagetables.Make(base, pagetables.HOST|pagetables.U|pagetables.RW|pagetables.V), nil
}

// AllocatePageTable is AllocatePage with PAGE_U stripped, for pages used as
// interior page-table storage rather than guest-visible data.
func AllocatePageTable(c *usage.Counters) (pagetables.Entry, error) {
	e, err := AllocatePage(c)
	if err != nil {
		return 0, err
	}
	c.AddPageTables(1)
	return e &^ pagetables.U, nil
}

// FreeAnonymousPage zero-fills page's host memory and returns it to the
// pool. It is never returned to the host kernel: its lifetime is bounded
// by the process, not by any one System.
func FreeAnonymousPage(c *usage.Counters, e pagetables.Entry) {
	addr := e.Addr()
	zeroPage(addr)
	pushFree(addr)
	c.AddFreed(1)
}

func popFree() (uintptr, bool) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if free == nil {
		return 0, false
	}
	addr := free.addr
	free = free.next
	return addr, true
}

func pushFree(addr uintptr) {
	poolMu.Lock()
	defer poolMu.Unlock()
	pushFreeLocked(addr)
}

func pushFreeLocked(addr uintptr) {
	free = &freeNode{addr: addr, next: free}
}

func zeroPage(addr uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), hostarch.PageSize)
	for i := range b {
		b[i] = 0
	}
}

// Pool adapts the global Page Pool to pkg/pagetables.Allocator, so that a
// kernel.System's page-table walks can allocate and free interior tables
// through the same process-global free list that backs guest data pages.
type Pool struct {
	counters *usage.Counters
}

// NewPool returns a Pool that charges allocations against c.
func NewPool(c *usage.Counters) *Pool {
	return &Pool{counters: c}
}

// NewTable implements pagetables.Allocator.
func (p *Pool) NewTable() *pagetables.Table {
	e, err := AllocatePageTable(p.counters)
	if err != nil {
		// The page-table allocator has no error return in the walker
		// API (mirroring the teacher's NewPTEs, which calls log.Fatalf
		// on failure rather than threading an error through every
		// walk callback): arena exhaustion at this point is as fatal
		// as it is for the teacher's kvmAllocator.
		PanicDueToMmap(unix.ENOMEM)
	}
	return pagetables.TableAt(e.Addr())
}

// PutTable implements pagetables.Allocator.
func (p *Pool) PutTable(t *pagetables.Table) {
	addr := pagetables.HostAddr(t)
	e := pagetables.Make(addr, pagetables.HOST|pagetables.V)
	FreeAnonymousPage(p.counters, e)
	p.counters.AddPageTables(-1)
	p.counters.AddReclaimed(1)
}
