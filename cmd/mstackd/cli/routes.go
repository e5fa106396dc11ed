// Copyright 2024 The mstack Authors.
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

package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/talismancer/mstack/pkg/config"
)

// Routes implements subcommands.Command for the "routes" command: it
// prints the routes a config file would install, without starting the
// namespace, for validating a config before handing it to "serve".
type Routes struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Routes) Name() string { return "routes" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Routes) Synopsis() string { return "print the routes a config file would install" }

// Usage implements subcommands.Command.Usage.
func (*Routes) Usage() string {
	return "routes -config <path> - print the routes a config file would install\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Routes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "/etc/mstackd.toml", "path to mstackd's TOML config file")
}

// Execute implements subcommands.Command.Execute.
func (r *Routes) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		fatalf("routes: %v", err)
	}

	if cfg.DefaultGateway != "" {
		fmt.Printf("default via %s\n", cfg.DefaultGateway)
	}
	for _, rt := range cfg.Route {
		fmt.Printf("%s/%d via %s\n", rt.Destination, rt.PrefixLen, rt.NextHop)
	}
	return subcommands.ExitSuccess
}
