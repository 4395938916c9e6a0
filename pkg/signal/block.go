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

// BlockAllHostSignals blocks every host signal on the calling OS thread and
// returns the previous mask, for use around a sequence of host syscalls
// that must not be interrupted partway through (SUPPLEMENTED: grounded on
// original_source/blink/open.c's full-mask block around its O_TMPFILE
// create+unlink+dup2 dance, which this module's pkg/syscalls repeats for
// the same reason — a signal landing between the unlinkat and the dup2
// would leak the temporary file).
//
// Callers must run on a goroutine locked to its OS thread (runtime.
// LockOSThread) for the duration between BlockAllHostSignals and the
// matching Restore, since Go's signal mask is per-OS-thread and the
// runtime may otherwise migrate the goroutine.
func BlockAllHostSignals() (unix.Sigset_t, error) {
	var all unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &all, &old); err != nil {
		return old, err
	}
	return old, nil
}

// Restore reapplies a mask previously returned by BlockAllHostSignals.
func Restore(old unix.Sigset_t) error {
	return unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
}
