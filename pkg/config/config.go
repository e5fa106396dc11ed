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

// Package config loads mstackd's on-disk configuration: which device
// to attach, which addresses to bind, and the routes to install.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Device describes the TUN/TAP node mstackd attaches to.
type Device struct {
	Path   string `toml:"path"`
	IfName string `toml:"if_name"`
	Kind   string `toml:"kind"` // "tap" or "tun".
	MTU    int    `toml:"mtu"`
}

// Address is a local IPv4/MAC pair bound on the namespace.
type Address struct {
	IP  string `toml:"ip"`
	MAC string `toml:"mac"`
}

// Route is a static route to install at startup.
type Route struct {
	Destination string `toml:"destination"`
	PrefixLen   int    `toml:"prefix_len"`
	NextHop     string `toml:"next_hop"`
}

// Config is the root of mstackd.toml.
type Config struct {
	LogLevel string `toml:"log_level"`

	Device  Device    `toml:"device"`
	Address []Address `toml:"address"`
	Route   []Route   `toml:"route"`

	DefaultGateway string `toml:"default_gateway"`

	MetricsAddr string `toml:"metrics_addr"`
	PidFile     string `toml:"pid_file"`
}

// Default returns a Config with every field set to its zero-risk
// default, suitable as a base before applying an on-disk file or CLI
// flag overrides.
func Default() Config {
	return Config{
		LogLevel: "info",
		Device: Device{
			Path: "/dev/net/tun",
			Kind: "tap",
			MTU:  1500,
		},
	}
}

// Load reads and parses a TOML config file at path, starting from
// Default. Unknown keys are rejected rather than silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: %s: unknown key %q", path, undecoded[0])
	}
	return cfg, nil
}
