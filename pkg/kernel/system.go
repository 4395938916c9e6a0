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

// Package kernel owns process-wide System state and per-thread Machine
// state (§3, §4.5), and the locks serializing access to both (§5).
package kernel

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/fd"
	"github.com/tmdh/vmkern/pkg/pagetables"
	"github.com/tmdh/vmkern/pkg/pgalloc"
	"github.com/tmdh/vmkern/pkg/usage"
)

// Mode is the CPU addressing mode a System was created with.
type Mode int

const (
	ModeReal Mode = iota
	ModeLegacy
	ModeLong
)

// kRealSize is the size of the raw real-mode buffer allocated for a
// ModeReal System, covering the full 16-bit address space plus the high
// memory area.
const kRealSize = 0x110000

// kMinThreadId and kMaxThreadIds bound non-root thread ids: child tid =
// (next_tid++ & (kMaxThreadIds-1)) + kMinThreadId. kMaxThreadIds must stay
// a power of two so the mask is cheap.
const (
	kMinThreadId = 3000
	kMaxThreadIds = 1 << 16
)

// SignalAction mirrors struct sigaction as far as ConsumeSignal and
// DeliverSignal need it (pkg/signal).
type SignalAction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

// Special Handler values, matching SIG_DFL/SIG_IGN.
const (
	SigDfl uintptr = 0
	SigIgn uintptr = 1
)

// System is the process-wide singleton created once per guest process
// (§3 "System").
type System struct {
	Mode Mode

	// MmapLock serializes address-space mutation (pkg/addrspace). Lock
	// order (outer to inner), per §5: MachinesLock, ExecLock, MmapLock,
	// SigLock, then fd.Table's own lock.
	MachinesLock sync.Mutex
	ExecLock     sync.Mutex
	MmapLock     sync.Mutex
	SigLock      sync.Mutex

	// Root is the page-table root (cr3-equivalent): the host address of
	// the top-level Table. Valid only in ModeLong.
	Root *pagetables.Table

	// RealBuf is the raw real-mode buffer for direct 16-bit mode
	// addressing, allocated only when Mode == ModeReal.
	RealBuf []byte

	Fds *fd.Table

	// Pool is this System's handle onto the process-global Page Pool,
	// scoped so that every allocation this System makes is charged
	// against its own Counters.
	Pool *pgalloc.Pool

	handlersMu sync.Mutex
	// Handlers is indexed by signal number 1..64; index 0 is unused.
	Handlers [65]SignalAction
	// BlinkSigs is the mask of signals the emulator itself intercepts
	// (preset to SIGSYS, SIGILL, SIGFPE, SIGSEGV, SIGTRAP at creation).
	BlinkSigs uint64

	Rlimits [RlimitCount]Rlimit

	nextTID uint32

	AutomapHint uint64

	machinesCond *sync.Cond
	machines     *Machine // head of the doubly-linked thread list

	Counters usage.Counters

	// Linear reports whether this System addresses guest memory in
	// linear mode (guest virtual == host virtual - skew). Gated on the
	// System, not on any one Machine, resolving the open question in
	// spec §9 about an "ambient current machine".
	Linear bool
}

// reservedSignalsMask returns the mask with bit (sig-1) set for each signal
// the emulator reserves for its own use, preloaded into BlinkSigs at System
// creation.
func reservedSignalsMask() uint64 {
	var mask uint64
	for _, sig := range []unix.Signal{unix.SIGSYS, unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGTRAP} {
		mask |= 1 << uint(sig-1)
	}
	return mask
}

// NewSystem allocates a System in the given CPU mode: presets the
// emulator-reserved signals into BlinkSigs, sets every rlimit to infinity,
// and, for ModeReal, allocates a page-aligned kRealSize buffer.
func NewSystem(mode Mode) (*System, error) {
	s := &System{
		Mode:      mode,
		Fds:       fd.NewTable(),
		Rlimits:   defaultRlimits(),
		BlinkSigs: reservedSignalsMask(),
		Linear:    true,
	}
	s.machinesCond = sync.NewCond(&s.MachinesLock)
	s.Pool = pgalloc.NewPool(&s.Counters)

	if mode == ModeLong {
		s.Root = s.Pool.NewTable()
	}
	if mode == ModeReal {
		base, err := pgalloc.AllocateBig(kRealSize, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0)
		if err != nil {
			return nil, err
		}
		s.RealBuf = unsafe.Slice((*byte)(unsafe.Pointer(base)), kRealSize)
	}
	return s, nil
}

// SetHandler installs act as the action for sig (1..64).
func (s *System) SetHandler(sig int, act SignalAction) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.Handlers[sig] = act
}

// Handler returns the current action for sig.
func (s *System) Handler(sig int) SignalAction {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.Handlers[sig]
}
