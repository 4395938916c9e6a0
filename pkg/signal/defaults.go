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

import "golang.org/x/sys/unix"

// Disposition is a signal's default action in the absence of a handler,
// matching Linux's signal(7) table.
type Disposition int

const (
	DispTerm Disposition = iota
	DispIgnore
	DispCore
	DispStop
	DispContinue
)

// defaultDispositions supplements the two sets §4.6 names explicitly
// (default-ignored, too-dangerous) with the complete Linux default
// disposition for every standard signal, matching
// original_source/blink/signal.c's dispatch table. ConsumeSignal only
// consults IsDefaultIgnored and IsTooDangerous; the rest of this table
// exists so a future job-control implementation (stop/continue) has
// something authoritative to read rather than re-deriving it.
var defaultDispositions = map[int]Disposition{
	int(unix.SIGHUP):    DispTerm,
	int(unix.SIGINT):    DispTerm,
	int(unix.SIGQUIT):   DispCore,
	int(unix.SIGILL):    DispCore,
	int(unix.SIGTRAP):   DispCore,
	int(unix.SIGABRT):   DispCore,
	int(unix.SIGBUS):    DispCore,
	int(unix.SIGFPE):    DispCore,
	int(unix.SIGKILL):   DispTerm,
	int(unix.SIGUSR1):   DispTerm,
	int(unix.SIGSEGV):   DispCore,
	int(unix.SIGUSR2):   DispTerm,
	int(unix.SIGPIPE):   DispTerm,
	int(unix.SIGALRM):   DispTerm,
	int(unix.SIGTERM):   DispTerm,
	int(unix.SIGSTKFLT): DispTerm,
	int(unix.SIGCHLD):   DispIgnore,
	int(unix.SIGCONT):   DispContinue,
	int(unix.SIGSTOP):   DispStop,
	int(unix.SIGTSTP):   DispStop,
	int(unix.SIGTTIN):   DispStop,
	int(unix.SIGTTOU):   DispStop,
	int(unix.SIGURG):    DispIgnore,
	int(unix.SIGXCPU):   DispCore,
	int(unix.SIGXFSZ):   DispCore,
	int(unix.SIGVTALRM): DispTerm,
	int(unix.SIGPROF):   DispTerm,
	int(unix.SIGWINCH):  DispIgnore,
	int(unix.SIGIO):     DispTerm,
	int(unix.SIGPWR):    DispTerm,
	int(unix.SIGSYS):    DispCore,
}

// defaultIgnoredMask is the bitmask form of §4.6's default-ignored set:
// URG, CONT, CHLD, WINCH. CONT's true Linux disposition is "continue",
// not "ignore"; it is included here because a stopped-and-continued
// guest thread that was never actually stopped (this module has no job
// control) must not be killed by a default SIG_DFL action either, the
// same outcome ignoring it produces.
var defaultIgnoredMask = sigBit(int(unix.SIGURG)) | sigBit(int(unix.SIGCONT)) | sigBit(int(unix.SIGCHLD)) | sigBit(int(unix.SIGWINCH))

// tooDangerousMask is §4.6's too-dangerous set: FPE, ILL, SEGV. These are
// never eligible for the SIG_IGN "drop" outcome or for masking — a guest
// that triggers one of these without a handler installed must be made to
// terminate rather than spin on the same faulting instruction forever.
var tooDangerousMask = sigBit(int(unix.SIGFPE)) | sigBit(int(unix.SIGILL)) | sigBit(int(unix.SIGSEGV))

func sigBit(sig int) uint64 { return 1 << uint(sig-1) }

// IsDefaultIgnored reports whether sig is in the default-ignored set.
func IsDefaultIgnored(sig int) bool {
	return defaultIgnoredMask&sigBit(sig) != 0
}

// IsTooDangerous reports whether sig is in the too-dangerous-to-ignore
// set.
func IsTooDangerous(sig int) bool {
	return tooDangerousMask&sigBit(sig) != 0
}

// DefaultDisposition returns sig's default action absent a handler.
// Signals outside the standard 1-31 range (realtime signals) default to
// DispTerm, matching Linux.
func DefaultDisposition(sig int) Disposition {
	if d, ok := defaultDispositions[sig]; ok {
		return d
	}
	return DispTerm
}
