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

// Binary mstackd runs the userspace TCP/IPv4 network stack as a
// standalone daemon attached to a host TUN/TAP device.
package main

import (
	"os"

	"github.com/talismancer/mstack/cmd/mstackd/cli"
)

func main() {
	os.Exit(int(cli.Main()))
}
