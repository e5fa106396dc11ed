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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSafeDeviceDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Device.Kind != "tap" {
		t.Errorf("Default().Device.Kind = %q, want %q", cfg.Device.Kind, "tap")
	}
	if cfg.Device.MTU != 1500 {
		t.Errorf("Default().Device.MTU = %d, want 1500", cfg.Device.MTU)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Default().LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	const toml = `
log_level = "debug"
default_gateway = "10.0.0.1"

[device]
if_name = "tap0"

[[address]]
ip = "10.0.0.2"
mac = "02:00:00:00:00:01"

[[route]]
destination = "192.168.1.0"
prefix_len = 24
next_hop = "10.0.0.1"
`
	path := filepath.Join(t.TempDir(), "mstackd.toml")
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q (overlaid)", cfg.LogLevel, "debug")
	}
	// Device.Kind and MTU were not set in the file, so Default's values
	// must survive the overlay.
	if cfg.Device.Kind != "tap" {
		t.Errorf("Device.Kind = %q, want %q (from Default)", cfg.Device.Kind, "tap")
	}
	if cfg.Device.MTU != 1500 {
		t.Errorf("Device.MTU = %d, want 1500 (from Default)", cfg.Device.MTU)
	}
	if cfg.Device.IfName != "tap0" {
		t.Errorf("Device.IfName = %q, want %q", cfg.Device.IfName, "tap0")
	}
	if len(cfg.Address) != 1 || cfg.Address[0].IP != "10.0.0.2" {
		t.Fatalf("Address = %+v, want one entry for 10.0.0.2", cfg.Address)
	}
	if len(cfg.Route) != 1 || cfg.Route[0].PrefixLen != 24 {
		t.Fatalf("Route = %+v, want one /24 entry", cfg.Route)
	}
	if cfg.DefaultGateway != "10.0.0.1" {
		t.Errorf("DefaultGateway = %q, want %q", cfg.DefaultGateway, "10.0.0.1")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	const toml = `
log_level = "debug"
bogus_key = "oops"
`
	path := filepath.Join(t.TempDir(), "mstackd.toml")
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load with an unknown key succeeded, want an error")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load of a missing file succeeded, want an error")
	}
}
