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

// Package routetable implements the read-only-from-the-core routing
// table: destination IPv4 -> {next-hop,
// outgoing device}, plus an optional default route. It is populated
// by the embedder and only queried by the IPv4 layer.
package routetable

import (
	"sync"

	"github.com/google/btree"

	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// Route is a single routing table entry.
type Route struct {
	Destination tcpip.Address
	PrefixLen   int // 0-32.
	NextHop     tcpip.Address
	Device      *device.Device
}

// masked is the network portion of Destination masked to PrefixLen,
// part of the btree ordering key; Less puts longer prefixes first, so
// longest-prefix-match is an ascending walk from the most specific
// mask.
func (r Route) masked() uint32 {
	if r.PrefixLen == 0 {
		return 0
	}
	mask := ^uint32(0) << (32 - r.PrefixLen)
	return uint32(r.Destination) & mask
}

// Less orders routes by (prefix length descending, masked address,
// next hop) so that btree.Ascend walks the longest prefixes first.
func (r Route) Less(than btree.Item) bool {
	o := than.(Route)
	if r.PrefixLen != o.PrefixLen {
		return r.PrefixLen > o.PrefixLen
	}
	if r.masked() != o.masked() {
		return r.masked() < o.masked()
	}
	return r.NextHop < o.NextHop
}

// Table is a longest-prefix-match routing table, following
// original_source/mstack's routing_table.cpp fallback order: exact
// match, then prefix match, then the default route.
type Table struct {
	mu      sync.RWMutex
	entries *btree.BTree
	def     *Route
}

// New constructs an empty routing table.
func New() *Table {
	return &Table{entries: btree.New(4)}
}

// AddRoute installs a route for destination/prefixLen via nextHop out
// dev.
func (t *Table) AddRoute(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.ReplaceOrInsert(r)
}

// SetDefault installs or replaces the default route.
func (t *Table) SetDefault(nextHop tcpip.Address, dev *device.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Route{NextHop: nextHop, Device: dev}
	t.def = &r
}

// Lookup finds the most specific route covering dst, falling back to
// the default route if none matches.
func (t *Table) Lookup(dst tcpip.Address) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var found Route
	ok := false
	t.entries.Ascend(func(i btree.Item) bool {
		r := i.(Route)
		mask := ^uint32(0)
		if r.PrefixLen < 32 {
			mask = ^uint32(0) << (32 - r.PrefixLen)
		}
		if r.PrefixLen == 0 {
			mask = 0
		}
		if uint32(dst)&mask == r.masked() {
			found = r
			ok = true
			return false // longest prefix first by ordering; stop at first hit.
		}
		return true
	})
	if ok {
		return found, true
	}
	if t.def != nil {
		return *t.def, true
	}
	return Route{}, false
}

// Snapshot returns a copy of all installed routes (not including the
// default route), for diagnostics.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Route
	t.entries.Ascend(func(i btree.Item) bool {
		out = append(out, i.(Route))
		return true
	})
	return out
}
