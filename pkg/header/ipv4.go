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

// IPv4MinimumSize is the length of a fixed (no-options) IPv4 header.
const IPv4MinimumSize = 20

// IPv4Version is the value of the version nibble for IPv4.
const IPv4Version = 4

// IP protocol numbers used by this stack.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
)

const (
	ipv4VersionIHL  = 0
	ipv4TotalLen    = 2
	ipv4ID          = 4
	ipv4FlagsFrag   = 6
	ipv4TTL         = 8
	ipv4Protocol    = 9
	ipv4Checksum    = 10
	ipv4SrcAddr     = 12
	ipv4DstAddr     = 16
)

// IPv4 is a view over a serialized IPv4 header (and trailing
// payload/options).
type IPv4 []byte

// Version returns the version nibble.
func (b IPv4) Version() int {
	return int(b[ipv4VersionIHL] >> 4)
}

// HeaderLength returns the header length in bytes, derived from the
// IHL nibble (in 32-bit words).
func (b IPv4) HeaderLength() int {
	return int(b[ipv4VersionIHL]&0x0f) * 4
}

// TotalLength returns the total IPv4 packet length (header+payload).
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[ipv4TotalLen:])
}

// ID returns the identification field.
func (b IPv4) ID() uint16 {
	return binary.BigEndian.Uint16(b[ipv4ID:])
}

// TTL returns the time-to-live field.
func (b IPv4) TTL() uint8 {
	return b[ipv4TTL]
}

// Protocol returns the encapsulated protocol number.
func (b IPv4) Protocol() uint8 {
	return b[ipv4Protocol]
}

// Checksum returns the header checksum field as stored on the wire.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[ipv4Checksum:])
}

// SourceAddress returns the packet's source address.
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.AddressFromBytes(b[ipv4SrcAddr : ipv4SrcAddr+4])
}

// DestinationAddress returns the packet's destination address.
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.AddressFromBytes(b[ipv4DstAddr : ipv4DstAddr+4])
}

// Payload returns the bytes following the header and any options
// (which this stack neither parses nor generates on IPv4), up to
// TotalLength.
func (b IPv4) Payload() []byte {
	return b[b.HeaderLength():b.TotalLength()]
}

// IsChecksumValid reports whether the header checksum, recomputed
// over the full header with the checksum field included, is zero.
func (b IPv4) IsChecksumValid() bool {
	return Checksum(b[:b.HeaderLength()], 0) == 0
}

// IPv4Fields holds the values needed to build an IPv4 header.
type IPv4Fields struct {
	TotalLength uint16
	ID          uint16
	TTL         uint8
	Protocol    uint8
	SrcAddr     tcpip.Address
	DstAddr     tcpip.Address
}

// EncodeIPv4 serializes a 20-byte IPv4 header (no options) into buf
// and fills in the header checksum. buf must be at least
// IPv4MinimumSize bytes; only the first IPv4MinimumSize bytes are
// touched.
func EncodeIPv4(buf []byte, fields IPv4Fields) {
	buf[ipv4VersionIHL] = (IPv4Version << 4) | (IPv4MinimumSize / 4)
	buf[1] = 0 // DSCP/ECN, unused.
	binary.BigEndian.PutUint16(buf[ipv4TotalLen:], fields.TotalLength)
	binary.BigEndian.PutUint16(buf[ipv4ID:], fields.ID)
	binary.BigEndian.PutUint16(buf[ipv4FlagsFrag:], 0) // No fragmentation support.
	buf[ipv4TTL] = fields.TTL
	buf[ipv4Protocol] = fields.Protocol
	binary.BigEndian.PutUint16(buf[ipv4Checksum:], 0)
	fields.SrcAddr.PutBytes(buf[ipv4SrcAddr : ipv4SrcAddr+4])
	fields.DstAddr.PutBytes(buf[ipv4DstAddr : ipv4DstAddr+4])
	sum := Checksum(buf[:IPv4MinimumSize], 0)
	binary.BigEndian.PutUint16(buf[ipv4Checksum:], sum)
}
