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

package header

import (
	"encoding/binary"

	"github.com/talismancer/mstack/pkg/tcpip"
)

// ARPSize is the length of an ARP packet for Ethernet/IPv4.
const ARPSize = 28

// ARP opcodes.
const (
	ARPRequest = 1
	ARPReply   = 2
)

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800
	arpHLenEthernet  = 6
	arpPLenIPv4      = 4
)

const (
	arpHType         = 0
	arpPType         = 2
	arpHLen          = 4
	arpPLen          = 5
	arpOper          = 6
	arpSenderHW      = 8
	arpSenderProto   = 14
	arpTargetHW      = 18
	arpTargetProto   = 24
)

// ARP is a view over a serialized ARP packet for Ethernet/IPv4.
type ARP []byte

// IsValid reports whether the packet is a well-formed
// Ethernet/IPv4 ARP packet of the expected lengths.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return binary.BigEndian.Uint16(a[arpHType:]) == arpHTypeEthernet &&
		binary.BigEndian.Uint16(a[arpPType:]) == arpPTypeIPv4 &&
		a[arpHLen] == arpHLenEthernet &&
		a[arpPLen] == arpPLenIPv4
}

// Op returns the ARP opcode (request/reply).
func (a ARP) Op() uint16 {
	return binary.BigEndian.Uint16(a[arpOper:])
}

// SenderHardwareAddress returns the sender's MAC.
func (a ARP) SenderHardwareAddress() tcpip.LinkAddress {
	return tcpip.LinkAddressFromBytes(a[arpSenderHW : arpSenderHW+6])
}

// SenderProtocolAddress returns the sender's IPv4 address.
func (a ARP) SenderProtocolAddress() tcpip.Address {
	return tcpip.AddressFromBytes(a[arpSenderProto : arpSenderProto+4])
}

// TargetHardwareAddress returns the target's MAC.
func (a ARP) TargetHardwareAddress() tcpip.LinkAddress {
	return tcpip.LinkAddressFromBytes(a[arpTargetHW : arpTargetHW+6])
}

// TargetProtocolAddress returns the target's IPv4 address.
func (a ARP) TargetProtocolAddress() tcpip.Address {
	return tcpip.AddressFromBytes(a[arpTargetProto : arpTargetProto+4])
}

// ARPFields holds the values needed to build an ARP packet.
type ARPFields struct {
	Op            uint16
	SenderHWAddr  tcpip.LinkAddress
	SenderProto   tcpip.Address
	TargetHWAddr  tcpip.LinkAddress
	TargetProto   tcpip.Address
}

// EncodeARP serializes fields into buf, which must be at least
// ARPSize bytes.
func EncodeARP(buf []byte, fields ARPFields) {
	binary.BigEndian.PutUint16(buf[arpHType:], arpHTypeEthernet)
	binary.BigEndian.PutUint16(buf[arpPType:], arpPTypeIPv4)
	buf[arpHLen] = arpHLenEthernet
	buf[arpPLen] = arpPLenIPv4
	binary.BigEndian.PutUint16(buf[arpOper:], fields.Op)
	copy(buf[arpSenderHW:arpSenderHW+6], fields.SenderHWAddr[:])
	fields.SenderProto.PutBytes(buf[arpSenderProto : arpSenderProto+4])
	copy(buf[arpTargetHW:arpTargetHW+6], fields.TargetHWAddr[:])
	fields.TargetProto.PutBytes(buf[arpTargetProto : arpTargetProto+4])
}
