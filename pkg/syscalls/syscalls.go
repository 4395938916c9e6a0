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

// Package syscalls implements the handful of fd-table-facing syscall
// shims named in passing by the external-interfaces section but not
// otherwise specified (SUPPLEMENTED): pipe creation and path opening,
// including the O_TMPFILE emulation a host kernel without native support
// needs. Everything about path resolution, the overlay filesystem and the
// rest of the syscall table is out of scope.
package syscalls

import (
	"golang.org/x/sys/unix"
)

// Guest-visible O_* bits this package understands. The host this module
// runs on is Linux, so unlike a portable emulator the open-flag values
// themselves need no translation; only O_TMPFILE needs the emulation
// fallback since not every host filesystem honors it uniformly.
const (
	oAccmode = 0x3
	oWronly  = 0x1
	oRdwr    = 0x2
	oExcl    = 0x80
	oCloexec = 0x80000
	oTmpfile = 0x410000
	oNdelay  = 0x800
)

func restartable(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}
