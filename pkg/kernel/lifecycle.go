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

package kernel

import (
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/pagetables"
	"github.com/tmdh/vmkern/pkg/pgalloc"
)

// FreeMachine removes m from its System's thread list. If m was the last
// thread, the System itself is torn down via FreeSystem (§4.5 "orphan
// detection", matching the C original's FreeMachine calling FreeSystem
// once dll_is_empty(s->machines)). Otherwise every other Machine waiting
// in KillOtherThreads is woken so it can re-check IsOrphan.
func FreeMachine(m *Machine) {
	s := m.System
	s.MachinesLock.Lock()
	orphan := s.unlinkMachine(m)
	s.machinesCond.Broadcast()
	s.MachinesLock.Unlock()

	releaseRobustFutexes(m)
	for _, fn := range m.freeLater {
		fn()
	}
	m.freeLater = nil

	if orphan {
		FreeSystem(s)
	}
}

// FreeSystem reclaims every resource a System owns once its last Machine
// has exited: the guest page tables (leaf data pages go back to the
// process-global pool, MUG leaves are individually munmap'd, interior
// tables go back to s.Pool), the real-mode buffer, and the fd table.
// Callers must not touch s afterward; nothing re-arms it the way
// kernel.NewSystem does.
func FreeSystem(s *System) {
	if s.Root != nil {
		for i := range s.Root {
			entry := &s.Root[i]
			if !entry.Valid() {
				continue
			}
			pagetables.FreeAll(s.Pool, pagetables.ChildTable(*entry), 1, func(e pagetables.Entry) {
				freeSystemLeaf(s, e)
			})
			*entry = 0
		}
		s.Pool.PutTable(s.Root)
		s.Root = nil
	}

	// RealBuf, like every other Big Arena page, is never individually
	// unmapped; its host memory outlives the System and is reclaimed
	// only when the process exits (pgalloc.Teardown).
	s.RealBuf = nil

	if s.Fds != nil {
		s.Fds.CloseAll()
	}
}

// freeSystemLeaf returns one still-valid leaf entry's host resource
// during whole-System teardown, mirroring removeVirtual's three-way
// switch over how a leaf's host memory was obtained.
func freeSystemLeaf(s *System, e pagetables.Entry) {
	switch {
	case e.Has(pagetables.HOST | pagetables.MAP | pagetables.MUG):
		unix.RawSyscall(unix.SYS_MUNMAP, e.Addr(), hostarch.PageSize, 0)
	case e.Has(pagetables.HOST) && !e.Has(pagetables.MAP):
		pgalloc.FreeAnonymousPage(&s.Counters, e)
	}
	// A linear HOST|MAP leaf without MUG addresses memory that belongs
	// to the Big Arena itself, not to any one page; it is left mapped.
}

// releaseRobustFutexes is the thread-exit hook for m's registered
// robust-futex list (the analogue of the kernel's exit_robust_list). It is
// a no-op: it does not walk m.RobustListHead and marks no lock's
// owner-died bit.
func releaseRobustFutexes(m *Machine) {
	_ = m.RobustListHead
}

// KillOtherThreads asks every other Machine of self's System to die, then
// blocks until self is the only thread left (§4.5 "orphan detection").
// Used by exit_group and by the exec path, which must not overlap other
// threads while replacing the address space.
func KillOtherThreads(self *Machine) {
	s := self.System
	s.MachinesLock.Lock()
	defer s.MachinesLock.Unlock()
	for {
		s.forEachMachine(func(m *Machine) {
			if m != self {
				m.SetKilled()
			}
		})
		if self.next == self {
			return
		}
		s.machinesCond.Wait()
	}
}

// RemoveOtherThreads immediately frees every Machine of self's System
// except self, without waiting for those threads to notice they were
// killed. Used after fork(), where the child process has exactly one
// live host thread regardless of how many guest threads the parent had.
func RemoveOtherThreads(self *Machine) {
	s := self.System
	s.MachinesLock.Lock()
	var victims []*Machine
	s.forEachMachine(func(m *Machine) {
		if m != self {
			victims = append(victims, m)
		}
	})
	for _, m := range victims {
		s.unlinkMachine(m)
	}
	s.MachinesLock.Unlock()

	// Robust-futex release and deferred cleanup for each victim are
	// independent of one another, so fan them out instead of tearing
	// down thousands of orphaned guest threads one at a time after a
	// fork() in a process that spawned many.
	var g errgroup.Group
	for _, m := range victims {
		m := m
		g.Go(func() error {
			releaseRobustFutexes(m)
			for _, fn := range m.freeLater {
				fn()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// InvalidateSystem marks every Machine of s as needing a TLB flush, and
// optionally an instruction-cache flush, before its next guest
// instruction. Called after any address-space mutation that changes
// mappings another thread may already have translations cached for.
func InvalidateSystem(s *System, icache bool) {
	s.MachinesLock.Lock()
	defer s.MachinesLock.Unlock()
	s.forEachMachine(func(m *Machine) {
		m.SetInvalidated(true)
		if icache {
			m.SetICacheInvalidated(true)
		}
	})
}

// CleanseMemory reclaims empty interior page-table subtrees once
// s.Counters crosses the churn threshold (usage.Counters.ShouldCleanse),
// per spec §4.4's note that long-running processes must not accumulate
// page tables for regions they mapped and unmapped long ago.
//
// It walks only the System root's children, never the root table itself:
// the root is owned for the System's whole lifetime and FreePageTables has
// no notion of a table it must not free.
func CleanseMemory(s *System) {
	if s.Root == nil || !s.Counters.ShouldCleanse() {
		return
	}

	s.MmapLock.Lock()
	defer s.MmapLock.Unlock()

	for i := range s.Root {
		entry := &s.Root[i]
		if !entry.Valid() {
			continue
		}
		child := pagetables.ChildTable(*entry)
		if pagetables.FreePageTables(s.Pool, child, 1) {
			*entry = 0
		}
	}
	s.Counters.ResetMemchurn()
}
