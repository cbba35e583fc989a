// Copyright 2026 The gVisor Authors.
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
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/softnet/pkg/netdev"
)

// ShowConfig implements subcommands.Command for the "config" command.
type ShowConfig struct{}

// Name implements subcommands.Command.Name.
func (*ShowConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ShowConfig) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*ShowConfig) Usage() string {
	return `config - prints the effective configuration as TOML
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*ShowConfig) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*ShowConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*netdev.Config)
	if err := toml.NewEncoder(os.Stdout).Encode(conf); err != nil {
		Fatalf("encoding configuration: %v", err)
	}
	return subcommands.ExitSuccess
}
