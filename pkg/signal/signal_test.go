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

package signal

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/memlayout"
)

func newTestSystem(t *testing.T) (*kernel.System, *kernel.Machine) {
	t.Helper()
	s, err := kernel.NewSystem(kernel.ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	m := kernel.NewMachine(s, nil)
	return s, m
}

func TestEnqueueSignalRejectsOutOfRange(t *testing.T) {
	_, m := newTestSystem(t)
	if EnqueueSignal(m, 0) {
		t.Fatalf("EnqueueSignal(0) should fail")
	}
	if EnqueueSignal(m, 65) {
		t.Fatalf("EnqueueSignal(65) should fail")
	}
	if !EnqueueSignal(m, int(unix.SIGUSR1)) {
		t.Fatalf("EnqueueSignal(SIGUSR1) should succeed")
	}
}

func TestConsumeSignalDefaultIgnored(t *testing.T) {
	s, m := newTestSystem(t)
	EnqueueSignal(m, int(unix.SIGWINCH))

	sig, outcome := ConsumeSignal(s, m)
	if sig != int(unix.SIGWINCH) {
		t.Fatalf("got sig %d, want SIGWINCH", sig)
	}
	if outcome != OutcomeDropped {
		t.Fatalf("got outcome %v, want OutcomeDropped", outcome)
	}
	if m.Pending != 0 {
		t.Fatalf("Pending not cleared: %#x", m.Pending)
	}
}

func TestConsumeSignalDefaultTerminate(t *testing.T) {
	s, m := newTestSystem(t)
	EnqueueSignal(m, int(unix.SIGTERM))

	sig, outcome := ConsumeSignal(s, m)
	if sig != int(unix.SIGTERM) || outcome != OutcomeTerminate {
		t.Fatalf("got (%d, %v), want (SIGTERM, OutcomeTerminate)", sig, outcome)
	}
}

func TestConsumeSignalIgnoredHandler(t *testing.T) {
	s, m := newTestSystem(t)
	s.SetHandler(int(unix.SIGTERM), kernel.SignalAction{Handler: kernel.SigIgn})
	EnqueueSignal(m, int(unix.SIGTERM))

	if sig, outcome := ConsumeSignal(s, m); sig != int(unix.SIGTERM) || outcome != OutcomeDropped {
		t.Fatalf("got (%d, %v), want (SIGTERM, OutcomeDropped)", sig, outcome)
	}
}

func TestConsumeSignalUserHandlerUpdatesMask(t *testing.T) {
	s, m := newTestSystem(t)
	s.SetHandler(int(unix.SIGUSR1), kernel.SignalAction{Handler: 0x401000, Mask: sigBit(int(unix.SIGUSR2))})
	EnqueueSignal(m, int(unix.SIGUSR1))

	sig, outcome := ConsumeSignal(s, m)
	if sig != int(unix.SIGUSR1) || outcome != OutcomeHandled {
		t.Fatalf("got (%d, %v), want (SIGUSR1, OutcomeHandled)", sig, outcome)
	}
	if m.SigMask&sigBit(int(unix.SIGUSR1)) == 0 {
		t.Fatalf("handler without SA_NODEFER should self-mask")
	}
	if m.SigMask&sigBit(int(unix.SIGUSR2)) == 0 {
		t.Fatalf("sa_mask bits should be applied to SigMask")
	}
}

func TestTooDangerousBypassesMask(t *testing.T) {
	s, m := newTestSystem(t)
	m.SigMask = ^uint64(0) // block everything
	EnqueueSignal(m, int(unix.SIGSEGV))

	sig, outcome := ConsumeSignal(s, m)
	if sig != int(unix.SIGSEGV) {
		t.Fatalf("SIGSEGV must be delivered even while fully masked, got sig=%d", sig)
	}
	if outcome != OutcomeTerminate {
		t.Fatalf("got outcome %v, want OutcomeTerminate", outcome)
	}
}

func TestConsumeSignalIgnoredTooDangerousTerminates(t *testing.T) {
	s, m := newTestSystem(t)
	s.SetHandler(int(unix.SIGSEGV), kernel.SignalAction{Handler: kernel.SigIgn})
	EnqueueSignal(m, int(unix.SIGSEGV))

	sig, outcome := ConsumeSignal(s, m)
	if sig != int(unix.SIGSEGV) {
		t.Fatalf("got sig %d, want SIGSEGV", sig)
	}
	if outcome != OutcomeTerminate {
		t.Fatalf("got outcome %v, want OutcomeTerminate: SIG_IGN must not silence a too-dangerous signal", outcome)
	}
}

func TestConsumeSignalPicksHighestPending(t *testing.T) {
	s, m := newTestSystem(t)
	EnqueueSignal(m, int(unix.SIGUSR2))
	EnqueueSignal(m, int(unix.SIGTERM))

	sig, _ := ConsumeSignal(s, m)
	if sig != int(unix.SIGTERM) {
		t.Fatalf("got sig %d, want the higher-numbered SIGTERM", sig)
	}
}

// mapGuestPage mmaps a real anonymous host page and returns the guest
// address that maps to it through memlayout's fixed skew, so DeliverSignal
// and SigRestore can dereference guest addresses as if linear-mode
// translation had placed a real mapping there.
func mapGuestPage(t *testing.T) uint64 {
	t.Helper()
	b, err := unix.Mmap(-1, 0, 2*int(unsafe.Sizeof(Frame{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(b) })
	host := uint64(uintptr(unsafe.Pointer(&b[0])))
	return host - memlayout.Skew
}

func TestDeliverSignalThenSigRestoreRoundTrips(t *testing.T) {
	s, m := newTestSystem(t)
	stackTop := mapGuestPage(t) + 2*uint64(unsafe.Sizeof(Frame{}))
	m.Regs.RSP = stackTop
	m.Regs.RIP = 0x400000
	m.Regs.RFlags = 0x202

	const handler = 0x500000
	s.SetHandler(int(unix.SIGUSR1), kernel.SignalAction{Handler: handler})
	EnqueueSignal(m, int(unix.SIGUSR1))

	sig, outcome := ConsumeSignal(s, m)
	if outcome != OutcomeHandled {
		t.Fatalf("got outcome %v, want OutcomeHandled", outcome)
	}
	if err := DeliverSignal(s, m, sig, SignalInfo{Signo: int32(sig)}); err != nil {
		t.Fatalf("DeliverSignal: %v", err)
	}
	if m.Regs.RIP != handler {
		t.Fatalf("RIP not redirected to handler: %#x", m.Regs.RIP)
	}
	if m.Regs.RSP&15 != 8 {
		t.Fatalf("post-delivery rsp %#x not (sp&15)==8 aligned", m.Regs.RSP)
	}
	if m.Regs.RDI != uint64(sig) {
		t.Fatalf("rdi = %d, want signal number %d", m.Regs.RDI, sig)
	}
	if m.Regs.RSI == 0 || m.Regs.RDX == 0 {
		t.Fatalf("rsi/rdx should hold guest addresses of the siginfo and ucontext, got rsi=%#x rdx=%#x", m.Regs.RSI, m.Regs.RDX)
	}
	if m.Restored() {
		t.Fatalf("Restored should be false immediately after delivery")
	}

	if err := SigRestore(m); err != nil {
		t.Fatalf("SigRestore: %v", err)
	}
	if m.Regs.RIP != 0x400000 || m.Regs.RSP != stackTop {
		t.Fatalf("SigRestore did not restore pre-signal regs: rip=%#x rsp=%#x", m.Regs.RIP, m.Regs.RSP)
	}
	if !m.Restored() {
		t.Fatalf("Restored should be true after SigRestore")
	}
	if err := SigRestore(m); err == nil {
		t.Fatalf("a second SigRestore without an intervening delivery must be rejected")
	}
}

func TestBlockAllHostSignalsRoundTrips(t *testing.T) {
	old, err := BlockAllHostSignals()
	if err != nil {
		t.Fatalf("BlockAllHostSignals: %v", err)
	}
	if err := Restore(old); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}
