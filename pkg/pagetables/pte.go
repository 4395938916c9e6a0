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

// Package pagetables implements the four-level radix tree that maps 48-bit
// guest virtual addresses to host-accessible storage. It has no notion of
// linear mode, mug pages, or reservation policy; those decisions belong to
// pkg/addrspace, the only package that runs a Walker over these trees
// (pkg/kernel descends them directly only to free tables).
package pagetables

import (
	"unsafe"

	"github.com/tmdh/vmkern/pkg/hostarch"
)

// Entry is a single 64-bit page-table entry, leaf or interior. The host
// address occupies the bits above the page offset (TA); attribute bits
// live in the low 12 bits that an aligned host pointer never uses.
type Entry uint64

// Attribute bits, per spec §3.
const (
	// V marks the entry populated.
	V Entry = 1 << 0
	// U marks the page guest-readable (present).
	U Entry = 1 << 1
	// RW marks the page guest-writable.
	RW Entry = 1 << 2
	// XD marks the page execute-disabled. Set to mean non-executable.
	XD Entry = 1 << 3
	// HOST marks the host address stored in this entry as directly usable.
	HOST Entry = 1 << 4
	// MAP marks the page backed by a host mapping (file or shared anon).
	MAP Entry = 1 << 5
	// MUG marks the page individually host-mmap'd, not part of the linear
	// arena.
	MUG Entry = 1 << 6
	// RSRV marks the page reserved only, not yet committed.
	RSRV Entry = 1 << 7
	// EOF marks that the file-backed mapping ends in this page.
	EOF Entry = 1 << 8

	// flagsMask covers every attribute bit defined above.
	flagsMask Entry = V | U | RW | XD | HOST | MAP | MUG | RSRV | EOF
)

// TA masks out the host-address portion of an entry (low 12 bits, and any
// high attribute bits beyond the 52 physical-style address bits this
// module uses; there are none here since host addresses fit in 48 bits).
const TA = Entry(^uint64(hostarch.PageMask))

// Valid reports whether V is set.
func (e Entry) Valid() bool { return e&V != 0 }

// Addr returns the host address encoded in the entry, meaningful only when
// HOST is set.
func (e Entry) Addr() uintptr { return uintptr(e & TA) }

// Flags returns the attribute bits, with the address portion masked off.
func (e Entry) Flags() Entry { return e &^ TA }

// Has reports whether all bits in mask are set.
func (e Entry) Has(mask Entry) bool { return e&mask == mask }

// Make constructs an entry from a page-aligned host address and a set of
// attribute bits. Panics if addr is not page-aligned, since an entry can
// never legally encode a non-aligned address alongside attribute bits.
func Make(addr uintptr, flags Entry) Entry {
	if addr&hostarch.PageMask != 0 {
		panic("pagetables: host address is not page-aligned")
	}
	return Entry(addr)&TA | (flags &^ TA)
}

// WithFlags returns a copy of e with its attribute bits replaced by flags,
// preserving the address portion.
func (e Entry) WithFlags(flags Entry) Entry {
	return e&TA | (flags &^ TA)
}

// Table is one level of the radix tree: exactly one 4 KiB host page holding
// 512 eight-byte entries. Interior tables and the leaf level share this
// type; only the caller's traversal depth determines whether an entry's
// Addr() is another Table or a guest-data host page.
type Table [512]Entry

// childTable dereferences an interior entry's host address as another
// Table. This is the "explicit unsafe boundary" the spec calls for:
// callers must have already checked Valid() on an interior entry before
// calling it (interior entries carry V plus the child table's address),
// since this reinterprets raw memory without any further validation.
func (e Entry) childTable() *Table {
	return (*Table)(unsafe.Pointer(e.Addr())) //nolint:govet
}

// tableHostAddr returns the host address of t, for storing into a parent
// entry.
func tableHostAddr(t *Table) uintptr {
	return uintptr(unsafe.Pointer(t))
}

// HostAddr returns the host address backing t. Exported for pkg/pgalloc,
// which must record the address of a table page it hands out in order to
// return it to the pool later.
func HostAddr(t *Table) uintptr { return tableHostAddr(t) }

// TableAt reinterprets a host address as a Table. addr must be the
// address of a page obtained from the Page Pool via AllocatePageTable;
// this is the "explicit unsafe boundary" pkg/pgalloc crosses to hand a
// pool page to this package as interior-table storage.
func TableAt(addr uintptr) *Table {
	return (*Table)(unsafe.Pointer(addr)) //nolint:govet
}

// ChildTable exposes childTable to callers outside this package that walk
// a root table directly, such as kernel.CleanseMemory descending from a
// System's top-level entries. e must be a valid interior entry.
func ChildTable(e Entry) *Table {
	return e.childTable()
}
