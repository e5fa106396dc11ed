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

// Package tcpip defines the address and endpoint types shared across
// every layer of the stack.
package tcpip

import (
	"encoding/binary"
	"fmt"
)

// Address is an IPv4 address, stored host-order internally and
// serialized big-endian on the wire.
type Address uint32

// AddressFromBytes reads a big-endian 4-byte slice into an Address.
func AddressFromBytes(b []byte) Address {
	return Address(binary.BigEndian.Uint32(b))
}

// AddressFrom4 builds an Address from its four octets, in wire order.
func AddressFrom4(a, b, c, d byte) Address {
	return Address(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// PutBytes writes the address big-endian into dst, which must be at
// least 4 bytes.
func (a Address) PutBytes(dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(a))
}

// String renders the address in dotted-quad form.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// LinkAddress is a 6-byte MAC address.
type LinkAddress [6]byte

// LinkAddressFromBytes reads a 6-byte slice into a LinkAddress.
func LinkAddressFromBytes(b []byte) LinkAddress {
	var l LinkAddress
	copy(l[:], b)
	return l
}

// BroadcastLinkAddress is the all-ones MAC.
var BroadcastLinkAddress = LinkAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether l is the all-ones MAC.
func (l LinkAddress) IsBroadcast() bool {
	return l == BroadcastLinkAddress
}

// IsUnspecified reports whether l is the all-zeros MAC.
func (l LinkAddress) IsUnspecified() bool {
	return l == LinkAddress{}
}

// String renders the MAC in colon-hex form.
func (l LinkAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", l[0], l[1], l[2], l[3], l[4], l[5])
}

// Endpoint is a transport-layer (address, port) pair. It is
// comparable and therefore usable as a map key directly or embedded
// in FourTuple.
type Endpoint struct {
	Addr Address
	Port uint16
}

// String renders the endpoint as "addr:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Less gives Endpoint a total order, used where the caller needs
// deterministic iteration (e.g. debug dumps) rather than map order.
func (e Endpoint) Less(o Endpoint) bool {
	if e.Addr != o.Addr {
		return e.Addr < o.Addr
	}
	return e.Port < o.Port
}

// FourTuple is the TCB key: the remote and local endpoints of a TCP
// connection.
type FourTuple struct {
	Remote Endpoint
	Local  Endpoint
}

// String renders the four-tuple as "remote -> local".
func (f FourTuple) String() string {
	return fmt.Sprintf("%s -> %s", f.Remote, f.Local)
}
