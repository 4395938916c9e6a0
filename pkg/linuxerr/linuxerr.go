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

// Package linuxerr holds the guest-visible errno values this module's
// address-space and syscall-shim operations can return. Each value is a
// distinct *Errno so callers can compare by pointer identity
// (err == linuxerr.EINVAL) the way gvisor.dev/gvisor/pkg/errors/linuxerr
// compares *errors.Error values, while still carrying a real
// golang.org/x/sys/unix.Errno underneath for the syscall-return boundary.
package linuxerr

import (
	"golang.org/x/sys/unix"
)

// Errno is a guest-visible error with a fixed errno number.
type Errno struct {
	errno unix.Errno
	msg   string
}

// Error implements the error interface.
func (e *Errno) Error() string {
	return e.msg
}

// Errno returns the underlying errno number.
func (e *Errno) Errno() unix.Errno {
	return e.errno
}

// Negated returns the negative-errno value syscall-return conventions use.
func (e *Errno) Negated() int64 {
	return -int64(e.errno)
}

func newErrno(errno unix.Errno, msg string) *Errno {
	return &Errno{errno: errno, msg: msg}
}

// Guest-visible errno values used by this module. See spec §7's taxonomy:
// unsupported flags/misaligned intervals/zero size/out-of-range addresses
// are EINVAL; a guest pointer that fails the memory-validity check is
// EFAULT; arena exhaustion or no virtual hole is ENOMEM; a linear-mode
// incompatible request (virt <= 0) is ENOTSUP; a host BSD symlink/EMLINK
// divergence normalizes to ELOOP; an unknown fd is EBADF.
var (
	EINVAL  = newErrno(unix.EINVAL, "invalid argument")
	EFAULT  = newErrno(unix.EFAULT, "bad address")
	ENOMEM  = newErrno(unix.ENOMEM, "out of memory")
	ENOTSUP = newErrno(unix.ENOTSUP, "operation not supported")
	ELOOP   = newErrno(unix.ELOOP, "too many symbolic links encountered")
	EBADF   = newErrno(unix.EBADF, "bad file descriptor")
	EINTR   = newErrno(unix.EINTR, "interrupted system call")
)

// FromUnix wraps an arbitrary unix.Errno that does not have a package-level
// value above, for propagating raw host syscall failures.
func FromUnix(errno unix.Errno) *Errno {
	return newErrno(errno, errno.Error())
}
