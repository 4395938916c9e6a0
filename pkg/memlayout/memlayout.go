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

// Package memlayout defines the compile-time constants that relate guest
// virtual addresses to host virtual addresses in linear mode, and the
// "precious" host address window the Big Arena carves pages from.
//
// x86 and ARM displacement-immediate limits mean emitted JIT code can
// cheaply reach guest memory only when guest and host addresses share a
// high-bit-stable relationship; the precious window and skew give that
// invariant (see pkg/pgalloc).
package memlayout

import "github.com/tmdh/vmkern/pkg/hostarch"

// defaultPreciousStart and windowSize give the precious window's
// compiled-in placement: far from this process's own .bss yet within a
// 32-bit displacement of compiled JIT code, sized at 2^46 bytes (64 TiB).
const (
	defaultPreciousStart hostarch.Addr = 0x300000000000
	windowSize                         = hostarch.Addr(1) << 46
)

// PreciousStart, PreciousEnd and Skew are variables rather than
// constants so pkg/config can relocate the precious window
// (config.Config.PreciousBase) before the first arena allocation; every
// System created afterward shares whatever window was in effect when
// pgalloc first touched it.
var (
	PreciousStart = defaultPreciousStart
	PreciousEnd   = defaultPreciousStart + windowSize
	Skew          = uint64(defaultPreciousStart)
)

const (
	// MaxVirtual is the size of the guest's addressable virtual space.
	MaxVirtual = uint64(1) << 48

	// RedzoneSize is the x86-64 System V ABI red zone reserved below the
	// current stack pointer when a signal frame is pushed without an
	// alternate stack.
	RedzoneSize = 128
)

// SetPreciousBase relocates the precious window to start at base. Callers
// (pkg/config) must do this before any System is created, since the Big
// Arena latches PreciousStart into its bump cursor on first use and never
// re-reads it afterward.
func SetPreciousBase(base hostarch.Addr) {
	PreciousStart = base
	PreciousEnd = base + windowSize
	Skew = uint64(base)
}

// ToHost returns the host address backing guest virtual address v in linear
// mode.
func ToHost(v hostarch.Addr) hostarch.Addr {
	return v + hostarch.Addr(Skew)
}

// FromHost returns the guest virtual address corresponding to host address
// h in linear mode. FromHost(ToHost(v)) == v for all v within the guest
// address space.
func FromHost(h hostarch.Addr) hostarch.Addr {
	return h - hostarch.Addr(Skew)
}

// PreciousRange is the precious window as an AddrRange, used to reject
// guest intervals that would collide with the arena in linear mode.
func PreciousRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: PreciousStart, End: PreciousEnd}
}
