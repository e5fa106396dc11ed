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

// Package header implements wire-format parsing, building and
// checksumming for the protocol headers the stack terminates:
// Ethernet, ARP, IPv4, ICMP and TCP.
package header

import (
	"encoding/binary"

	"github.com/talismancer/mstack/pkg/tcpip"
)

// EthernetType identifies the payload protocol carried in an Ethernet
// frame.
type EthernetType uint16

// EtherType values this stack recognizes.
const (
	EthernetTypeARP  EthernetType = 0x0806
	EthernetTypeIPv4 EthernetType = 0x0800
)

// EthernetMinimumSize is the length of a fixed Ethernet II header.
const EthernetMinimumSize = 14

const (
	ethDst  = 0
	ethSrc  = 6
	ethType = 12
)

// Ethernet is a view over a serialized Ethernet II header.
type Ethernet []byte

// DestinationAddress returns the frame's destination MAC.
func (e Ethernet) DestinationAddress() tcpip.LinkAddress {
	return tcpip.LinkAddressFromBytes(e[ethDst : ethDst+6])
}

// SourceAddress returns the frame's source MAC.
func (e Ethernet) SourceAddress() tcpip.LinkAddress {
	return tcpip.LinkAddressFromBytes(e[ethSrc : ethSrc+6])
}

// Type returns the frame's EtherType.
func (e Ethernet) Type() EthernetType {
	return EthernetType(binary.BigEndian.Uint16(e[ethType : ethType+2]))
}

// EthernetFields holds the values needed to build an Ethernet header.
type EthernetFields struct {
	SrcAddr tcpip.LinkAddress
	DstAddr tcpip.LinkAddress
	Type    EthernetType
}

// EncodeEthernet serializes fields into e, which must be at least
// EthernetMinimumSize bytes.
func EncodeEthernet(e []byte, fields EthernetFields) {
	copy(e[ethDst:ethDst+6], fields.DstAddr[:])
	copy(e[ethSrc:ethSrc+6], fields.SrcAddr[:])
	binary.BigEndian.PutUint16(e[ethType:ethType+2], uint16(fields.Type))
}
