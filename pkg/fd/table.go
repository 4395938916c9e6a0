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

// Package fd is the thin file-descriptor table collaborator named but left
// unspecified by spec §1 ("the file-descriptor table itself, AddFd/GetFd,
// is a thin collection used by open/pipe"). It is deliberately shallow: it
// tracks a host fd, guest-visible flags, and a small capability vtable per
// descriptor (§9 "Polymorphic descriptor callbacks"), and nothing about
// path resolution or the overlay filesystem, both out of scope per §1.
package fd

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/linuxerr"
)

// Flags are the guest-visible descriptor flags distinct from the
// underlying open file status (O_CLOEXEC lives here, not in open flags,
// matching Linux's FD_CLOEXEC/F_SETFD split).
type Flags struct {
	CloseOnExec bool
}

// Capabilities is the vtable a descriptor dispatches through. Not every
// descriptor supports every operation; callers type-assert for the ones
// they need (e.g. only a tty descriptor implements Tcgetattr). A plain
// host-file descriptor carries nil Caps; FreeFd and CloseAll then close its
// host fd directly.
type Capabilities interface {
	Close() error
}

// Descriptor is one entry in a Table.
type Descriptor struct {
	Host  int
	Flags Flags
	Caps  Capabilities
}

// Table is a locked, slice-backed collection of descriptors, guarded by
// its own lock per the lock order in spec §5 (fds.lock, then fd.lock for
// any per-descriptor state — this module has none yet, so only the table
// lock exists).
type Table struct {
	mu      sync.Mutex
	entries map[int32]*Descriptor
	next    int32
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{entries: make(map[int32]*Descriptor)}
}

// AddFd inserts host fd into the table with the given flags and returns
// the guest-visible descriptor number. Guest fd numbers are allocated
// monotonically and never reused within a Table's lifetime; this is
// simpler than POSIX's lowest-unused-fd rule and acceptable because
// nothing in this module's scope (§1: syscall entry shims live outside
// the core) depends on fd reuse ordering.
func (t *Table) AddFd(host int, flags Flags, caps Capabilities) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.entries[n] = &Descriptor{Host: host, Flags: flags, Caps: caps}
	return n
}

// GetFd returns the descriptor for fd, or EBADF if it does not exist.
func (t *Table) GetFd(fd int32) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[fd]
	if !ok {
		return nil, linuxerr.EBADF
	}
	return d, nil
}

// FreeFd closes fd's host descriptor (and its capability vtable, if
// present) and removes it from the table.
func (t *Table) FreeFd(fd int32) error {
	t.mu.Lock()
	d, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	t.mu.Unlock()
	if !ok {
		return linuxerr.EBADF
	}
	if d.Caps != nil {
		_ = d.Caps.Close()
	}
	return unix.Close(d.Host)
}

// Len reports the number of live descriptors, for rlimit (RLIMIT_NOFILE)
// enforcement by callers outside this package.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll closes every live descriptor and empties the table, the
// DestroyFds equivalent called once a System's last Machine exits.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int32]*Descriptor)
	t.mu.Unlock()

	for _, d := range entries {
		if d.Caps != nil {
			_ = d.Caps.Close()
		}
		_ = unix.Close(d.Host)
	}
}
