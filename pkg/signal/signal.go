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

// Package signal implements guest signal delivery (§4.6): the
// pending-bitmask/sigmask interaction in ConsumeSignal, frame construction
// and stack selection in DeliverSignal, and restoration in SigRestore.
package signal

// SignalAct flags, matching struct sigaction's sa_flags on Linux.
const (
	SaNoDefer      uint64 = 0x40000000
	SaResetHandler uint64 = 0x80000000
	SaOnStack      uint64 = 0x08000000
	SaRestart      uint64 = 0x10000000
	SaSigInfo      uint64 = 0x00000004
)

// SignalStack, SS_* flags matching stack_t.
const (
	SsOnStack  uint32 = 1
	SsDisable  uint32 = 2
	SsAutoDisarm uint32 = 1 << 31
)

// SignalInfo is equivalent to struct siginfo's fixed header plus the
// fields this module's callers (fault delivery) actually populate:
// sender pid/uid for EnqueueSignal-originated synthetic signals, and the
// faulting address for SIGSEGV/SIGBUS-style delivery. Grounded on
// gvisor.dev/gvisor/pkg/sentry/arch/signal.go's SignalInfo, trimmed from
// its full byte-addressed union accessor set to the handful of fields
// this module ever populates.
type SignalInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	PID   int32
	UID   int32
	Addr  uint64
}

// UContext64 is equivalent to ucontext_t on x86-64: the general register
// snapshot, the signal mask in effect at signal entry, and the stack the
// handler is running on. Grounded on
// other_examples/aghosn-enclosures__signal_amd64.go's UContext64/
// SignalContext64 pair.
type UContext64 struct {
	Flags  uint64
	Link   uint64
	Stack  Stack
	MCtx   MContext64
	Sigset uint64
}

// MContext64 is equivalent to struct sigcontext / mcontext_t.
type MContext64 struct {
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	Rdi, Rsi, Rbp, Rbx, Rdx, Rax, Rcx     uint64
	Rsp, Rip, Eflags                     uint64
	Cs, Gs, Fs, Ss                       uint16
	Err, Trapno                          uint64
	Oldmask                              uint64
	Cr2                                  uint64
	FPStatePtr                           uint64
}

// Stack is equivalent to stack_t / sigaltstack's third argument.
type Stack struct {
	Addr  uint64
	Flags int32
	Size  uint64
}

// FPState is a flat placeholder for the FXSAVE-format FPU/XMM snapshot
// DeliverSignal copies alongside the general-purpose register file.
type FPState [512]byte

// Frame is the full signal frame copied onto the guest stack by
// DeliverSignal and read back by SigRestore: an 8-byte restorer pointer
// immediately below the return address the handler executes a `ret`
// into, then siginfo, ucontext and FPU state.
type Frame struct {
	Restorer uint64
	Info     SignalInfo
	Context  UContext64
	FP       FPState
}

