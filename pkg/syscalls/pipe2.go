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

package syscalls

import (
	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/fd"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
)

// Pipe2 creates a pipe and installs both ends in system's fd table,
// returning the guest-visible (read, write) descriptor pair. It rejects
// any flag outside O_CLOEXEC/O_NDELAY, matching the supported-flags check
// pipe2 emulation does before ever calling into the host, grounded on the
// pipe2 shim's own unsupported-flags rejection.
func Pipe2(system *kernel.System, flags int32) (rfd, wfd int32, err error) {
	const supported = oCloexec | oNdelay
	if int(flags)&^supported != 0 {
		return 0, 0, linuxerr.EINVAL
	}

	if flags != 0 {
		system.ExecLock.Lock()
		defer system.ExecLock.Unlock()
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, linuxerr.FromUnix(err.(unix.Errno))
	}

	cloexec := int(flags)&oCloexec != 0
	nonblock := int(flags)&oNdelay != 0
	if cloexec {
		if _, err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			return 0, 0, linuxerr.FromUnix(err.(unix.Errno))
		}
		if _, err := unix.FcntlInt(uintptr(fds[1]), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			return 0, 0, linuxerr.FromUnix(err.(unix.Errno))
		}
	}
	if nonblock {
		if _, err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETFL, unix.O_NONBLOCK); err != nil {
			return 0, 0, linuxerr.FromUnix(err.(unix.Errno))
		}
		if _, err := unix.FcntlInt(uintptr(fds[1]), unix.F_SETFL, unix.O_NONBLOCK); err != nil {
			return 0, 0, linuxerr.FromUnix(err.(unix.Errno))
		}
	}

	readFlags := fd.Flags{CloseOnExec: cloexec}
	writeFlags := fd.Flags{CloseOnExec: cloexec}
	r := system.Fds.AddFd(fds[0], readFlags, nil)
	w := system.Fds.AddFd(fds[1], writeFlags, nil)
	return r, w, nil
}
