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

package arp

import (
	"testing"

	"github.com/talismancer/mstack/pkg/tcpip"
)

func TestCacheLearnThenLookup(t *testing.T) {
	c := NewCache()
	addr := tcpip.AddressFrom4(10, 0, 0, 2)
	mac := tcpip.LinkAddressFromBytes([]byte{0x02, 0, 0, 0, 0, 1})

	if _, ok := c.Lookup(addr); ok {
		t.Fatal("Lookup() found an entry before any Learn")
	}

	c.Learn(addr, mac)
	got, ok := c.Lookup(addr)
	if !ok || got != mac {
		t.Fatalf("Lookup() = (%s, %v), want (%s, true)", got, ok, mac)
	}
}

func TestCacheLearnIgnoresBroadcastAndUnspecified(t *testing.T) {
	c := NewCache()
	addr := tcpip.AddressFrom4(10, 0, 0, 2)

	c.Learn(addr, tcpip.BroadcastLinkAddress)
	if _, ok := c.Lookup(addr); ok {
		t.Fatal("Learn recorded the broadcast MAC")
	}

	c.Learn(addr, tcpip.LinkAddress{})
	if _, ok := c.Lookup(addr); ok {
		t.Fatal("Learn recorded the unspecified MAC")
	}
}

func TestCacheLearnReplacesExistingEntry(t *testing.T) {
	c := NewCache()
	addr := tcpip.AddressFrom4(10, 0, 0, 2)
	first := tcpip.LinkAddressFromBytes([]byte{0x02, 0, 0, 0, 0, 1})
	second := tcpip.LinkAddressFromBytes([]byte{0x02, 0, 0, 0, 0, 2})

	c.Learn(addr, first)
	c.Learn(addr, second)

	got, _ := c.Lookup(addr)
	if got != second {
		t.Fatalf("Lookup() = %s, want the replaced MAC %s", got, second)
	}
}

func TestCacheSnapshotIsACopy(t *testing.T) {
	c := NewCache()
	addr := tcpip.AddressFrom4(10, 0, 0, 2)
	mac := tcpip.LinkAddressFromBytes([]byte{0x02, 0, 0, 0, 0, 1})
	c.Learn(addr, mac)

	snap := c.Snapshot()
	snap[addr] = tcpip.LinkAddress{}

	got, _ := c.Lookup(addr)
	if got != mac {
		t.Fatal("mutating the snapshot affected the live cache")
	}
}
