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

package addrspace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapFixed places a mapping at exactly hostAddr, letting the kernel
// atomically replace whatever was there (MAP_FIXED, not
// MAP_FIXED_NOREPLACE): unlike pkg/pgalloc.AllocateBig, which demands an
// address from its own bump cursor, this places a mapping at an address
// already computed by memlayout.ToHost from a guest-chosen virtual
// address, so retrying at a different address on failure would break the
// linear-mode invariant rather than repair it.
func mapFixed(hostAddr uintptr, length int, prot, flags, fd int, off int64) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_MMAP,
		hostAddr, uintptr(length), uintptr(prot), uintptr(flags|unix.MAP_FIXED),
		uintptr(fd), uintptr(off))
	if errno != 0 {
		return errno
	}
	return nil
}

// munmapAt is unix.Munmap without its slice-length round-tripping through
// a live Go byte slice header, since the range being unmapped may not be
// (and after RemoveVirtual's pre-munmap step, is not expected to be)
// addressable Go memory at all.
func munmapAt(hostAddr uintptr, length int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, hostAddr, uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func hostSlice(hostAddr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), length)
}
