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

// Package config loads the TOML-backed feature flags and resource limits
// a System is created with (SUPPLEMENTED: §3/§4.5 name the flags and
// rlimit table in passing but leave their on-disk representation
// unspecified). Grounded on the gvisor containerd shim's config file,
// trading its toml.DecodeFile/struct-tag pattern for this module's own
// field set.
package config

import (
	"github.com/BurntSushi/toml"

	"github.com/tmdh/vmkern/pkg/hostarch"
	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/memlayout"
)

// Config is the full set of knobs cmd/vmkernd reads before creating a
// System.
type Config struct {
	// NoLinear disables linear-mode guest addressing (FLAG_nolinear),
	// forcing every guest page to go through the non-linear, per-page
	// mapping path in pkg/addrspace even when the host can otherwise
	// support the direct guest-virtual == host-virtual - skew scheme.
	NoLinear bool `toml:"nolinear"`

	// Overlays toggles the copy-on-write overlay filesystem layer
	// (FLAG_overlays). This module does not implement overlays itself;
	// the flag is carried through so a future pkg/overlay has something
	// to gate on, matching how the distillation's Non-goals exclude the
	// filesystem layer without excluding its configuration surface.
	Overlays bool `toml:"overlays"`

	// PreciousBase overrides memlayout's compile-time PreciousStart, for
	// hosts where the default collides with another fixed mapping. Zero
	// means "use the compiled-in default".
	PreciousBase uint64 `toml:"precious_base"`

	Rlimits RlimitConfig `toml:"rlimits"`
}

// RlimitConfig is the TOML representation of a System's initial rlimit
// table. A zero value for Cur or Max means "infinity", matching
// pkg/kernel.Infinity.
type RlimitConfig struct {
	AddressSpace RlimitEntry `toml:"as"`
	NoFile       RlimitEntry `toml:"nofile"`
	Stack        RlimitEntry `toml:"stack"`
}

// RlimitEntry is one Cur/Max pair as read from TOML.
type RlimitEntry struct {
	Cur uint64 `toml:"cur"`
	Max uint64 `toml:"max"`
}

func (e RlimitEntry) toRlimit() kernel.Rlimit {
	r := kernel.Rlimit{Cur: kernel.Infinity, Max: kernel.Infinity}
	if e.Cur != 0 {
		r.Cur = e.Cur
	}
	if e.Max != 0 {
		r.Max = e.Max
	}
	return r
}

// Default returns a Config equivalent to a System created with no
// configuration file at all: linear mode on, overlays off, every rlimit
// infinite.
func Default() Config {
	return Config{}
}

// Load reads and decodes a TOML config file at path.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// RlimitArray converts the config's rlimit table into the array shape
// kernel.System.Rlimits expects.
func (c Config) RlimitArray() [kernel.RlimitCount]kernel.Rlimit {
	var r [kernel.RlimitCount]kernel.Rlimit
	for i := range r {
		r[i] = kernel.Rlimit{Cur: kernel.Infinity, Max: kernel.Infinity}
	}
	r[kernel.RlimitAS] = c.Rlimits.AddressSpace.toRlimit()
	r[kernel.RlimitNoFile] = c.Rlimits.NoFile.toRlimit()
	r[kernel.RlimitStack] = c.Rlimits.Stack.toRlimit()
	return r
}

// ApplyTo installs c's rlimits and linear-mode setting onto an
// already-created System, since kernel.NewSystem itself takes no
// configuration beyond the addressing Mode.
func (c Config) ApplyTo(s *kernel.System) {
	s.Rlimits = c.RlimitArray()
	s.Linear = !c.NoLinear
}

// RelocatePreciousWindow applies PreciousBase, if set, before the first
// System is created. Called separately from ApplyTo because it must run
// before pkg/pgalloc's Big Arena latches memlayout's window on first use,
// which happens no later than the first kernel.NewSystem(kernel.ModeLong)
// call.
func (c Config) RelocatePreciousWindow() {
	if c.PreciousBase != 0 {
		memlayout.SetPreciousBase(hostarch.Addr(c.PreciousBase))
	}
}
