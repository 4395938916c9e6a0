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

// Package pgalloc implements the Big Arena (a bump allocator that demands
// specific host addresses inside the "precious" window) and the Page Pool
// (a free list of zeroed 4 KiB pages carved from the arena in batches).
// Both are process-global, shared across every kernel.System the process
// creates, per spec §4.1/§4.2 and §9 "Global state".
package pgalloc

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/linuxerr"
	"github.com/tmdh/vmkern/pkg/memlayout"
	"github.com/tmdh/vmkern/pkg/vmlog"
)

var (
	arenaOnce sync.Once
	arenaBrk  uint64
)

func ensureArena() {
	arenaOnce.Do(func() {
		atomic.StoreUint64(&arenaBrk, uint64(memlayout.PreciousStart))
		// No language-level atexit exists in Go; the process's own main
		// (cmd/vmkernd) calls Teardown before exiting, standing in for
		// the C original's atexit-registered descriptor free.
	})
}

// Teardown releases the pool's descriptor bookkeeping at process end. It
// does not, and cannot, unmap pages already handed to guest code — those
// are reclaimed by the kernel when the process exits.
func Teardown() {
	poolMu.Lock()
	defer poolMu.Unlock()
	free = nil
}

// usesIndirectMmap reports whether the host cannot honor a demanded mmap
// address, matching the spec's __CYGWIN__/__EMSCRIPTEN__ fallback. Go does
// not build for Cygwin, and its closest analogue among Go's GOOS values is
// "js" (the only target where a hosted mmap syscall is unavailable in the
// form this package needs).
func usesIndirectMmap() bool {
	return runtime.GOOS == "js"
}

// roundUpHostPage rounds n up to a multiple of the host's page size, which
// may exceed the guest's fixed 4 KiB granularity.
func roundUpHostPage(n int) int {
	ps := unix.Getpagesize()
	return (n + ps - 1) &^ (ps - 1)
}

// AllocateBig returns a host mapping of at least n bytes, rounded up to the
// host page size. On first use it initializes the arena cursor to
// kPreciousStart. Each call reserves [brk, brk+m) with an atomic fetch-add
// and attempts to demand that exact address from the host; on denial, it
// retries at the new cursor. Returns ENOMEM if the cursor would cross
// kPreciousEnd.
func AllocateBig(n int, prot, flags int, fd int, off int64) (uintptr, error) {
	ensureArena()
	m := roundUpHostPage(n)
	if m == 0 {
		return 0, linuxerr.EINVAL
	}

	for {
		addr := atomic.AddUint64(&arenaBrk, uint64(m)) - uint64(m)
		if addr+uint64(m) > uint64(memlayout.PreciousEnd) {
			return 0, linuxerr.ENOMEM
		}

		mapFlags := flags
		demandsAddr := !usesIndirectMmap()
		if demandsAddr {
			mapFlags |= unix.MAP_FIXED_NOREPLACE
		}

		got, _, errno := unix.RawSyscall6(unix.SYS_MMAP,
			uintptr(addr), uintptr(m), uintptr(prot), uintptr(mapFlags),
			uintptr(fd), uintptr(off))
		if errno == 0 {
			return got, nil
		}
		if demandsAddr && (errno == unix.EEXIST || errno == unix.ENOMEM) {
			// The host refused our demanded address (MAP_DENIED):
			// someone else already holds part of [addr, addr+m). Retry
			// at whatever the cursor has advanced to since.
			vmlog.Debugf("pgalloc: mmap denied at %#x, retrying", addr)
			continue
		}
		PanicDueToMmap(errno)
	}
}

// PanicDueToMmap reports a fatal host mmap failure and terminates the
// process with status 250, per spec §7: errors after ReserveVirtual's
// point of no return leave the address space unrecoverable. A panic writes
// a hint suggesting disabling linear mode or relinking with a higher image
// base.
func PanicDueToMmap(errno unix.Errno) {
	fmt.Fprintf(os.Stderr,
		"vmkern: fatal mmap failure: %v\n"+
			"hint: retry with linear mode disabled (-m), or relink at a higher image base\n",
		errno)
	os.Exit(250)
}
