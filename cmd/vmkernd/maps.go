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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/tmdh/vmkern/pkg/addrspace"
	"github.com/tmdh/vmkern/pkg/kernel"
)

// mapsCommand boots a bare System with no reservations and prints its
// (empty) mapping table, the guest-memory analogue of running `cat
// /proc/self/maps` against a freshly exec'd process.
type mapsCommand struct {
	configPath string
}

func (*mapsCommand) Name() string     { return "maps" }
func (*mapsCommand) Synopsis() string { return "print a fresh System's mapping table" }
func (*mapsCommand) Usage() string {
	return "maps [-config path]\n"
}

func (c *mapsCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
}

func (c *mapsCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	s, m, err := newDemoSystem(c.configPath)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	defer kernel.FreeMachine(m)

	out := addrspace.FormatMappings(addrspace.DescribeMappings(s))
	if out == "" {
		fmt.Println("(no mappings)")
	} else {
		fmt.Print(out)
	}
	return subcommands.ExitSuccess
}
