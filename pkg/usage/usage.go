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

// Package usage holds the per-System page-accounting counters consulted by
// pkg/pgalloc and pkg/addrspace, and reported to the guest via rlimits and
// /proc-equivalents.
package usage

import "sync/atomic"

// Counters tracks page-level bookkeeping for a single System. All fields
// are accessed via the atomic package so that concurrent guest threads
// mutating disjoint intervals of the same address space never race on the
// counters themselves, even though higher-level serialization (mmap_lock)
// governs the page-table mutation each counter update accompanies.
type Counters struct {
	// Allocated is the number of pages ever handed out by the Page Pool
	// (fresh, not reused).
	Allocated uint64
	// Committed counts every page AllocatePage has handed out, fresh or
	// popped from the pool's free list; it is never decremented.
	Committed uint64
	// Reserved has room for a count of PAGE_RSRV leaves; no operation in
	// this module updates it, so it stays zero.
	Reserved uint64
	// Freed is the number of pages returned to the pool.
	Freed uint64
	// Reclaimed counts pages AllocatePage popped off the pool's free list
	// for reuse, plus page-table pages returned to the pool through
	// Pool.PutTable (CleanseMemory, FreeSystem).
	Reclaimed uint64
	// VSS is the virtual set size: the count of leaves with PAGE_V set.
	VSS uint64
	// RSS is the resident set size: the count of committed leaves (PAGE_V
	// set, PAGE_RSRV clear).
	RSS uint64
	// Memchurn counts unmap operations since the last CleanseMemory pass.
	Memchurn uint64
	// PageTables counts interior page-table pages currently allocated
	// (distinct from Committed, which counts guest-data leaf pages).
	PageTables uint64
}

func (c *Counters) AddPageTables(n int64) { addSigned(&c.PageTables, n) }

func (c *Counters) AddAllocated(n int64) { atomic.AddUint64(&c.Allocated, uint64(n)) }
func (c *Counters) AddCommitted(n int64) { atomic.AddUint64(&c.Committed, uint64(n)) }
func (c *Counters) AddReserved(n int64)  { atomic.AddUint64(&c.Reserved, uint64(n)) }
func (c *Counters) AddFreed(n int64)     { atomic.AddUint64(&c.Freed, uint64(n)) }
func (c *Counters) AddReclaimed(n int64) { atomic.AddUint64(&c.Reclaimed, uint64(n)) }

// AddVSS adjusts the virtual set size by delta pages (may be negative).
func (c *Counters) AddVSS(delta int64) {
	addSigned(&c.VSS, delta)
}

// AddRSS adjusts the resident set size by delta pages (may be negative).
func (c *Counters) AddRSS(delta int64) {
	addSigned(&c.RSS, delta)
}

// AddMemchurn adjusts the running unmap counter by delta (may be negative,
// for the reset CleanseMemory performs after a compaction pass).
func (c *Counters) AddMemchurn(delta int64) {
	addSigned(&c.Memchurn, delta)
}

// ResetMemchurn zeroes the churn counter after a CleanseMemory pass.
func (c *Counters) ResetMemchurn() {
	atomic.StoreUint64(&c.Memchurn, 0)
}

func (c *Counters) LoadVSS() uint64      { return atomic.LoadUint64(&c.VSS) }
func (c *Counters) LoadRSS() uint64      { return atomic.LoadUint64(&c.RSS) }
func (c *Counters) LoadMemchurn() uint64 { return atomic.LoadUint64(&c.Memchurn) }

func addSigned(addr *uint64, delta int64) {
	if delta >= 0 {
		atomic.AddUint64(addr, uint64(delta))
		return
	}
	atomic.AddUint64(addr, ^uint64(-delta-1))
}

// ShouldCleanse reports whether accumulated churn warrants a CleanseMemory
// pass: §4.5, "when memchurn >= rss/2".
func (c *Counters) ShouldCleanse() bool {
	return c.LoadMemchurn() >= c.LoadRSS()/2
}
