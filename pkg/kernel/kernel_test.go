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
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/pagetables"
	"github.com/tmdh/vmkern/pkg/pgalloc"
)

func TestNewSystemPresetsBlinkSigs(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	for _, sig := range []unix.Signal{unix.SIGSYS, unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGTRAP} {
		if s.BlinkSigs&(1<<uint(sig-1)) == 0 {
			t.Fatalf("BlinkSigs missing signal %d", sig)
		}
	}
	if s.Root == nil {
		t.Fatalf("ModeLong System must allocate a root page table")
	}
	for _, r := range s.Rlimits {
		if r.Cur != Infinity || r.Max != Infinity {
			t.Fatalf("default rlimits must be infinite, got %+v", r)
		}
	}
}

func TestNewMachineAssignsRootAndChildTIDs(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	root := NewMachine(s, nil)
	if !IsOrphan(root) {
		t.Fatalf("a freshly created single machine must be its own orphan")
	}

	child := NewMachine(s, root)
	if IsOrphan(root) {
		t.Fatalf("root must not be an orphan once a sibling exists")
	}
	if child.TID < kMinThreadId {
		t.Fatalf("child TID %d below kMinThreadId %d", child.TID, kMinThreadId)
	}
	if child.Regs != root.Regs {
		t.Fatalf("cloned machine must inherit parent register state")
	}
}

func TestFreeMachineWakesKillOtherThreads(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	root := NewMachine(s, nil)
	child := NewMachine(s, root)

	done := make(chan struct{})
	go func() {
		KillOtherThreads(root)
		close(done)
	}()

	// Give KillOtherThreads a chance to observe child.Killed() and block.
	time.Sleep(10 * time.Millisecond)
	if !child.Killed() {
		t.Fatalf("KillOtherThreads must mark surviving threads killed")
	}
	FreeMachine(child)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("KillOtherThreads did not return after last other thread was freed")
	}
}

func TestRemoveOtherThreadsFreesImmediately(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	root := NewMachine(s, nil)
	_ = NewMachine(s, root)
	_ = NewMachine(s, root)

	RemoveOtherThreads(root)
	if !IsOrphan(root) {
		t.Fatalf("root must be sole survivor after RemoveOtherThreads")
	}
}

func TestInvalidateSystemMarksEveryMachine(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	root := NewMachine(s, nil)
	child := NewMachine(s, root)

	InvalidateSystem(s, true)
	if !root.Invalidated() || !child.Invalidated() {
		t.Fatalf("InvalidateSystem must mark every machine")
	}
	if !root.ICacheInvalidated() || !child.ICacheInvalidated() {
		t.Fatalf("InvalidateSystem(icache=true) must mark every machine's icache flag")
	}
}

func TestFreeMachineTearsDownOrphanedSystem(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}

	// Build a full 4-level path down to one live anonymous leaf page,
	// standing in for a mapping FreeMachine's orphan path must reclaim
	// rather than leak.
	leaf, err := pgalloc.AllocatePage(&s.Counters)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	leafTable := s.Pool.NewTable()
	leafTable[0] = leaf

	mid := s.Pool.NewTable()
	mid[0] = pagetables.Make(pagetables.HostAddr(leafTable), pagetables.HOST|pagetables.V)

	pdpt := s.Pool.NewTable()
	pdpt[0] = pagetables.Make(pagetables.HostAddr(mid), pagetables.HOST|pagetables.V)

	s.Root[0] = pagetables.Make(pagetables.HostAddr(pdpt), pagetables.HOST|pagetables.V)

	m := NewMachine(s, nil)
	if !IsOrphan(m) {
		t.Fatalf("sole machine must be its own orphan")
	}

	FreeMachine(m)

	if s.Root != nil {
		t.Fatalf("FreeSystem must clear Root once the last Machine exits")
	}
	if s.Fds.Len() != 0 {
		t.Fatalf("FreeSystem must close every descriptor")
	}
}

func TestCleanseMemoryCollapsesEmptySubtree(t *testing.T) {
	s, err := NewSystem(ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	// Force a churn level that clears ShouldCleanse without needing a
	// real RSS: memchurn >= rss/2 is trivially true at rss == 0.
	s.Counters.AddMemchurn(1)

	// Populate one PDPT slot with an otherwise-empty child table so
	// CleanseMemory has something to collapse.
	child := s.Pool.NewTable()
	s.Root[0] = pagetables.Make(pagetables.HostAddr(child), pagetables.HOST|pagetables.V)

	CleanseMemory(s)
	if s.Counters.LoadMemchurn() != 0 {
		t.Fatalf("CleanseMemory must reset the churn counter")
	}
	if s.Root[0] != 0 {
		t.Fatalf("CleanseMemory must collapse an entirely empty subtree")
	}
}
