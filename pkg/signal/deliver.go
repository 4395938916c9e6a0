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
	"unsafe"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/memlayout"
)

const frameSize = unsafe.Sizeof(Frame{})

// frameAt returns a Go pointer to the Frame living at guest address virt,
// valid only in linear mode where guest memory is directly dereferenceable
// host memory.
func frameAt(virt uint64) *Frame {
	host := memlayout.ToHost(hostarch.Addr(virt))
	return (*Frame)(unsafe.Pointer(uintptr(host)))
}

// DeliverSignal builds a signal frame for sig on m's stack and redirects
// execution into the guest handler, implementing the stack-selection and
// alignment rules of the frame-construction section: an alternate stack is
// used when SA_ONSTACK is set and an alt-stack is registered and the
// thread is not already executing on it, otherwise the frame goes below
// the current rsp less the x86-64 red zone. The resulting sp satisfies
// (sp & 15) == 8 so that the `ret` into the handler's prologue leaves rsp
// 16-byte aligned the way the System V ABI requires at a call site. The
// handler is entered with rdi=sig, rsi=&frame.Info, rdx=&frame.Context,
// matching a SA_SIGINFO handler's (int, siginfo_t *, void *) signature.
func DeliverSignal(s *kernel.System, m *kernel.Machine, sig int, info SignalInfo) error {
	if sig < 1 || sig > 64 {
		return linuxerr.EINVAL
	}
	s.SigLock.Lock()
	act := s.Handler(sig)
	s.SigLock.Unlock()

	sp := selectStack(m, act.Flags)
	sp -= uint64(frameSize)
	sp &^= 15
	sp -= 8 // (sp & 15) == 8: the Restorer slot at sp is the return address the handler's ret pops.

	frame := frameAt(sp)
	frame.Restorer = uint64(act.Restorer)
	frame.Info = info
	frame.Context = UContext64{
		Flags:  0,
		Stack:  Stack{Addr: m.AltStack.Addr, Flags: altStackFlags(m), Size: m.AltStack.Size},
		Sigset: m.SigMask,
		MCtx: MContext64{
			Rip: m.Regs.RIP,
			Rsp: m.Regs.RSP,
			Eflags: m.Regs.RFlags,
		},
	}

	m.Regs.RSP = sp
	m.Regs.RIP = uint64(act.Handler)
	m.Regs.RDI = uint64(sig)
	m.Regs.RSI = sp + uint64(unsafe.Offsetof(Frame{}.Info))
	m.Regs.RDX = sp + uint64(unsafe.Offsetof(Frame{}.Context))
	m.SetRestored(false)

	if act.Flags&SaOnStack != 0 && m.AltStack.Size != 0 {
		m.AltStack.Flags |= int32(SsOnStack)
	}
	return nil
}

// selectStack picks the guest stack pointer a new frame is pushed onto,
// before frame-size and alignment adjustment.
func selectStack(m *kernel.Machine, flags uint64) uint64 {
	if flags&SaOnStack != 0 && m.AltStack.Size != 0 && m.AltStack.Flags&int32(SsOnStack) == 0 {
		return m.AltStack.Addr + m.AltStack.Size
	}
	return m.Regs.RSP - memlayout.RedzoneSize
}

func altStackFlags(m *kernel.Machine) int32 {
	if m.AltStack.Size == 0 {
		return int32(SsDisable)
	}
	return m.AltStack.Flags &^ int32(SsOnStack)
}
