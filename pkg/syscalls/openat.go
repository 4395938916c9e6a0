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
	"math/rand"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/fd"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/signal"
)

// OpenAt opens path relative to dirfd and installs the result in system's
// fd table, returning the guest-visible descriptor number. O_TMPFILE is
// always emulated (the host's own O_TMPFILE is never requested) with a
// create-in-directory, unlink, dup2-onto-a-placeholder dance, with all
// host signals blocked for the duration so a signal landing between the
// unlink and the dup2 can't leak the temporary file — grounded on the
// O_TMPFILE emulation path and its all-signals-blocked critical section.
func OpenAt(system *kernel.System, dirfd int, path string, oflags int32, mode uint32) (int32, error) {
	if int(oflags)&oTmpfile == oTmpfile {
		return openTmpfile(system, dirfd, path, int(oflags)&^oTmpfile, mode)
	}

	n, err := restartable(func() (int, error) {
		return unix.Openat(dirfd, path, int(oflags), mode)
	})
	if err != nil {
		return 0, translateOpenErrno(err)
	}
	guest := system.Fds.AddFd(n, fd.Flags{CloseOnExec: int(oflags)&oCloexec != 0}, nil)
	return guest, nil
}

func openTmpfile(system *kernel.System, dirfd int, dir string, oflags int, mode uint32) (int32, error) {
	sysflags := unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC
	switch oflags & oAccmode {
	case oRdwr:
		sysflags |= unix.O_RDWR
	case oWronly:
		sysflags |= unix.O_WRONLY
	default:
		return 0, linuxerr.EINVAL
	}

	const supported = oAccmode | oCloexec | oExcl
	if oflags&^supported != 0 {
		return 0, linuxerr.EINVAL
	}

	old, err := signal.BlockAllHostSignals()
	if err != nil {
		return 0, linuxerr.FromUnix(err.(unix.Errno))
	}
	defer signal.Restore(old)

	tmpdir, err := unix.Openat(dirfd, dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, translateOpenErrno(err)
	}

	name := randomName()
	fildes, err := unix.Openat(tmpdir, name, sysflags, mode)
	if err != nil {
		unix.Close(tmpdir)
		return 0, translateOpenErrno(err)
	}
	if err := unix.Unlinkat(tmpdir, name, 0); err != nil {
		unix.Close(fildes)
		unix.Close(tmpdir)
		return 0, linuxerr.FromUnix(err.(unix.Errno))
	}
	if err := unix.Dup2(fildes, tmpdir); err != nil {
		unix.Close(fildes)
		unix.Close(tmpdir)
		return 0, linuxerr.FromUnix(err.(unix.Errno))
	}
	unix.Close(fildes)
	fildes = tmpdir

	cloexec := oflags&oCloexec != 0
	if cloexec {
		if _, err := unix.FcntlInt(uintptr(fildes), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(fildes)
			return 0, linuxerr.FromUnix(err.(unix.Errno))
		}
	}

	guest := system.Fds.AddFd(fildes, fd.Flags{CloseOnExec: cloexec}, nil)
	return guest, nil
}

const tmpfileNameChars = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomName produces a 12-character base-36 name for the create-unlink-
// dup2 O_TMPFILE dance, matching the fixed-width name[13] buffer the
// emulation is grounded on.
func randomName() string {
	rng := rand.Uint64()
	var b [12]byte
	for i := range b {
		b[i] = tmpfileNameChars[rng%36]
		rng /= 36
	}
	return string(b[:])
}

// translateOpenErrno normalizes the BSD EMLINK divergence from POSIX's
// ELOOP for a failed O_NOFOLLOW open onto a symlink (the FreeBSD/NetBSD
// variant raises EFTYPE instead, which has no portable constant on
// Linux). Linux itself never raises either in this situation, so on this
// module's host the EMLINK branch is effectively dead; it is kept because
// OpenAt's contract promises ELOOP for that case regardless of host libc
// quirks a future port might introduce.
func translateOpenErrno(err error) error {
	errno, ok := err.(unix.Errno)
	if !ok {
		return err
	}
	if errno == unix.EMLINK {
		return linuxerr.ELOOP
	}
	return linuxerr.FromUnix(errno)
}
