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
	"math/bits"

	"github.com/tmdh/vmkern/pkg/kernel"
)

// Outcome is what ConsumeSignal decided to do with a pending signal.
type Outcome int

const (
	// OutcomeNone means no signal was eligible for delivery.
	OutcomeNone Outcome = iota
	// OutcomeDropped means the signal was consumed but had no visible
	// effect: SIG_IGN for a signal outside the too-dangerous set, or
	// SIG_DFL for a signal in the default-ignored set.
	OutcomeDropped
	// OutcomeTerminate means the signal's default action is to kill the
	// thread group (SIG_DFL, not default-ignored), or it is a
	// too-dangerous signal whose handler is SIG_IGN.
	OutcomeTerminate
	// OutcomeHandled means a guest handler was dispatched; the caller
	// must now call DeliverSignal to build the frame.
	OutcomeHandled
)

// EnqueueSignal sets sig (1..64) pending on m. Signals outside that range
// are rejected rather than silently dropped, since a caller-computed
// signal number outside it is a programming error, not a guest action.
func EnqueueSignal(m *kernel.Machine, sig int) bool {
	if sig < 1 || sig > 64 {
		return false
	}
	m.Pending |= sigBit(sig)
	return true
}

// deliverableMask returns the bits of pending eligible for delivery right
// now: every too-dangerous signal regardless of the thread's mask, plus
// every other pending signal not currently blocked.
func deliverableMask(pending, sigMask uint64) uint64 {
	return (pending & tooDangerousMask) | (pending &^ sigMask)
}

// ConsumeSignal picks the highest-numbered deliverable pending signal on
// m, clears it, and classifies it against s's handler table (§4.6). It
// does not itself build a frame or mutate m.Regs; callers act on sig and
// outcome (DeliverSignal for OutcomeHandled, thread-group teardown for
// OutcomeTerminate).
func ConsumeSignal(s *kernel.System, m *kernel.Machine) (sig int, outcome Outcome) {
	mask := deliverableMask(m.Pending, m.SigMask)
	if mask == 0 {
		return 0, OutcomeNone
	}

	sig = bits.Len64(mask)
	m.Pending &^= sigBit(sig)

	s.SigLock.Lock()
	act := s.Handler(sig)
	s.SigLock.Unlock()

	switch act.Handler {
	case kernel.SigIgn:
		if IsTooDangerous(sig) {
			return sig, OutcomeTerminate
		}
		return sig, OutcomeDropped
	case kernel.SigDfl:
		if IsDefaultIgnored(sig) {
			return sig, OutcomeDropped
		}
		return sig, OutcomeTerminate
	default:
		if act.Flags&SaResetHandler != 0 {
			s.SigLock.Lock()
			s.SetHandler(sig, kernel.SignalAction{Handler: kernel.SigDfl})
			s.SigLock.Unlock()
		}
		if act.Flags&SaNoDefer == 0 {
			m.SigMask |= sigBit(sig)
		}
		m.SigMask |= act.Mask &^ tooDangerousMask
		return sig, OutcomeHandled
	}
}
