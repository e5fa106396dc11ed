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

// Package arp resolves IPv4 addresses to link addresses: it maintains
// a cache, answers requests for addresses it owns, and coalesces
// concurrent resolution requests for the same target.
package arp

import (
	"sync"

	"github.com/talismancer/mstack/pkg/tcpip"
)

// Cache maps IPv4 addresses to link addresses. There is no TTL;
// entries are added on learn and may be replaced. Reads never block.
type Cache struct {
	mu      sync.RWMutex
	entries map[tcpip.Address]tcpip.LinkAddress
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[tcpip.Address]tcpip.LinkAddress)}
}

// Lookup returns the cached MAC for addr, if any.
func (c *Cache) Lookup(addr tcpip.Address) (tcpip.LinkAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mac, ok := c.entries[addr]
	return mac, ok
}

// Learn records addr -> mac, replacing any prior entry. The broadcast
// and unspecified MACs are never learned.
func (c *Cache) Learn(addr tcpip.Address, mac tcpip.LinkAddress) {
	if mac.IsBroadcast() || mac.IsUnspecified() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = mac
}

// Snapshot returns a copy of the cache contents, safe for the caller
// to range over without holding the cache lock.
func (c *Cache) Snapshot() map[tcpip.Address]tcpip.LinkAddress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[tcpip.Address]tcpip.LinkAddress, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
