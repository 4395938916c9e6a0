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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tmdh/vmkern/pkg/kernel"
)

func TestDefaultRlimitsAreInfinite(t *testing.T) {
	c := Default()
	arr := c.RlimitArray()
	for i, r := range arr {
		if r.Cur != kernel.Infinity || r.Max != kernel.Infinity {
			t.Fatalf("rlimit %d not infinite by default: %+v", i, r)
		}
	}
}

func TestLoadParsesToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmkern.toml")
	body := `
nolinear = true
overlays = true

[rlimits.nofile]
cur = 1024
max = 4096
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.NoLinear || !c.Overlays {
		t.Fatalf("got %+v, want NoLinear and Overlays true", c)
	}
	arr := c.RlimitArray()
	if arr[kernel.RlimitNoFile].Cur != 1024 || arr[kernel.RlimitNoFile].Max != 4096 {
		t.Fatalf("got nofile rlimit %+v, want {1024 4096}", arr[kernel.RlimitNoFile])
	}
}

func TestApplyToSetsLinearMode(t *testing.T) {
	s, err := kernel.NewSystem(kernel.ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	c := Config{NoLinear: true}
	c.ApplyTo(s)
	if s.Linear {
		t.Fatalf("ApplyTo(NoLinear=true) left System.Linear true")
	}
}
