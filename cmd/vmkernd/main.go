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

// Command vmkernd is a demonstration entrypoint wiring pkg/config into
// kernel.NewSystem, kernel.NewMachine and pkg/addrspace, in the shape of
// runsc's subcommand-based CLI (grounded on runsc/cli.Main's
// subcommands.Register sequence).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/tmdh/vmkern/pkg/pgalloc"
	"github.com/tmdh/vmkern/pkg/vmlog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&mapsCommand{}, "")

	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	vmlog.SetLevel(*verbose)

	status := subcommands.Execute(context.Background())
	pgalloc.Teardown()
	os.Exit(int(status))
}
