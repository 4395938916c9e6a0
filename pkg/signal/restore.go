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
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
)

// SigRestore implements sigreturn(2): it reads the frame DeliverSignal left
// at m.Regs.RSP - 8 (the restorer pointer slot) back off the guest stack,
// restores the pre-signal register file, stack pointer and signal mask,
// and marks m as restored so a stray second sigreturn without an
// intervening signal is rejected rather than silently corrupting state.
func SigRestore(m *kernel.Machine) error {
	if m.Restored() {
		return linuxerr.EINVAL
	}

	frame := frameAt(m.Regs.RSP - 8)
	mctx := frame.Context.MCtx

	m.Regs.RIP = mctx.Rip
	m.Regs.RSP = mctx.Rsp
	m.Regs.RFlags = mctx.Eflags
	m.SigMask = frame.Context.Sigset

	if frame.Context.Stack.Flags&int32(SsDisable) == 0 {
		m.AltStack.Addr = frame.Context.Stack.Addr
		m.AltStack.Size = frame.Context.Stack.Size
		m.AltStack.Flags = frame.Context.Stack.Flags
	}

	m.SetRestored(true)
	return nil
}
