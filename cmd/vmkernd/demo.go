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

package main

import (
	"github.com/tmdh/vmkern/pkg/config"
	"github.com/tmdh/vmkern/pkg/kernel"
)

// loadDemoConfig reads cfgPath if non-empty, otherwise returns the
// compiled-in default, and relocates the precious window before any
// System touches pkg/pgalloc.
func loadDemoConfig(cfgPath string) (config.Config, error) {
	var c config.Config
	var err error
	if cfgPath != "" {
		c, err = config.Load(cfgPath)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		c = config.Default()
	}
	c.RelocatePreciousWindow()
	return c, nil
}

// newDemoSystem creates a ModeLong System and its initial Machine,
// configured from cfgPath.
func newDemoSystem(cfgPath string) (*kernel.System, *kernel.Machine, error) {
	c, err := loadDemoConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	s, err := kernel.NewSystem(kernel.ModeLong)
	if err != nil {
		return nil, nil, err
	}
	c.ApplyTo(s)
	m := kernel.NewMachine(s, nil)
	return s, m, nil
}
