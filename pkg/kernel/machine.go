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
	"os"
	"sync/atomic"
)

// AltStack mirrors struct sigaltstack: the alternate signal stack a Machine
// may register via sigaltstack(2) for SA_ONSTACK handlers.
type AltStack struct {
	Addr  uint64
	Flags int32
	Size  uint64
}

// Regs is the subset of general-purpose and control state a Machine's
// thread carries. Only the fields pkg/signal and pkg/addrspace need to
// read or rewrite (for sigreturn, page-fault redirection, and the
// handler-entry calling convention) are named here; the rest of the
// emulated register file is out of this module's scope.
type Regs struct {
	RIP    uint64
	RSP    uint64
	RFlags uint64
	RDI    uint64
	RSI    uint64
	RDX    uint64
}

// Machine is one guest thread of execution: the CPU-visible state plus the
// bookkeeping needed to tear it down and to detect when it is the last
// thread of its System (§4.5 "Machine").
type Machine struct {
	System *System

	TID int32

	Regs Regs

	SigMask uint64
	// Pending is the 64-bit pending-signal bitmask (bit n-1 for signal
	// n), set by EnqueueSignal and cleared by ConsumeSignal.
	Pending uint64

	AltStack AltStack

	// RobustListHead is the guest address registered via
	// set_robust_list(2). It is stored only; FreeMachine's
	// releaseRobustFutexes hook does not walk it.
	RobustListHead uint64

	killed       uint32
	invalidated  uint32
	iInvalidated uint32
	restored     uint32

	freeLater []func()

	prev, next *Machine
}

// Killed reports whether another thread has asked this Machine to die
// (KillOtherThreads).
func (m *Machine) Killed() bool { return atomic.LoadUint32(&m.killed) != 0 }

// SetKilled marks the Machine for death.
func (m *Machine) SetKilled() { atomic.StoreUint32(&m.killed, 1) }

// Invalidated reports whether this Machine's TLB must be flushed before its
// next guest instruction (InvalidateSystem).
func (m *Machine) Invalidated() bool { return atomic.LoadUint32(&m.invalidated) != 0 }

// SetInvalidated marks or clears the pending-TLB-flush flag.
func (m *Machine) SetInvalidated(v bool) { storeFlag(&m.invalidated, v) }

// ICacheInvalidated reports whether this Machine's instruction cache must
// be flushed before its next fetch.
func (m *Machine) ICacheInvalidated() bool { return atomic.LoadUint32(&m.iInvalidated) != 0 }

// SetICacheInvalidated marks or clears the pending-icache-flush flag.
func (m *Machine) SetICacheInvalidated(v bool) { storeFlag(&m.iInvalidated, v) }

// Restored reports whether this Machine's signal context was reloaded by
// SigRestore since the last DeliverSignal, so a second sigreturn without an
// intervening signal can be rejected.
func (m *Machine) Restored() bool { return atomic.LoadUint32(&m.restored) != 0 }

// SetRestored marks or clears the restored flag.
func (m *Machine) SetRestored(v bool) { storeFlag(&m.restored, v) }

// DeferFree registers fn to run once, unlocked, when this Machine is freed
// by FreeMachine or RemoveOtherThreads.
func (m *Machine) DeferFree(fn func()) {
	m.freeLater = append(m.freeLater, fn)
}

func storeFlag(addr *uint32, v bool) {
	if v {
		atomic.StoreUint32(addr, 1)
	} else {
		atomic.StoreUint32(addr, 0)
	}
}

// NewMachine creates a new thread of system, appending it to the System's
// thread list under MachinesLock. If parent is non-nil the new Machine
// inherits its register file and signal mask (thread clone); otherwise it
// starts with a reset CPU (the initial thread of a fresh process).
//
// The root thread's TID is the host process id, matching the convention
// that thread group leader == pid. Every other thread draws from a
// bounded, wrapping range starting at kMinThreadId, mirroring the
// teacher's synthetic-tid allocator for guest threads that never talk to
// a real host scheduler.
func NewMachine(system *System, parent *Machine) *Machine {
	m := &Machine{System: system}
	if parent != nil {
		m.Regs = parent.Regs
		m.SigMask = parent.SigMask
		m.TID = system.nextThreadID()
	} else {
		m.TID = int32(os.Getpid())
	}

	system.MachinesLock.Lock()
	system.appendMachine(m)
	system.MachinesLock.Unlock()
	return m
}

func (s *System) nextThreadID() int32 {
	n := atomic.AddUint32(&s.nextTID, 1) - 1
	return int32((n & (kMaxThreadIds - 1)) + kMinThreadId)
}

// appendMachine links m onto the tail of s.machines. Callers must hold
// s.MachinesLock.
func (s *System) appendMachine(m *Machine) {
	if s.machines == nil {
		s.machines = m
		m.prev, m.next = m, m
		return
	}
	tail := s.machines.prev
	m.prev = tail
	m.next = s.machines
	tail.next = m
	s.machines.prev = m
}

// unlinkMachine removes m from s.machines. Callers must hold
// s.MachinesLock. Returns true if m was the last thread in the System.
func (s *System) unlinkMachine(m *Machine) bool {
	if m.next == m {
		s.machines = nil
		return true
	}
	m.prev.next = m.next
	m.next.prev = m.prev
	if s.machines == m {
		s.machines = m.next
	}
	m.prev, m.next = nil, nil
	return false
}

// forEachMachine calls fn for every Machine currently in s.machines.
// Callers must hold s.MachinesLock. fn must not mutate the list.
func (s *System) forEachMachine(fn func(*Machine)) {
	if s.machines == nil {
		return
	}
	start := s.machines
	m := start
	for {
		next := m.next
		fn(m)
		m = next
		if m == start {
			break
		}
	}
}

// IsOrphan reports whether self is the only remaining thread of its
// System, the condition KillOtherThreads waits for before returning
// (§4.5 "orphan detection").
func IsOrphan(self *Machine) bool {
	self.System.MachinesLock.Lock()
	defer self.System.MachinesLock.Unlock()
	return self.next == self
}
