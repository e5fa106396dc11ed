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

// TCPMinimumSize is the length of a fixed (no-options) TCP header.
const TCPMinimumSize = 20

// TCP flag bits.
const (
	TCPFlagFIN = 1 << 0
	TCPFlagSYN = 1 << 1
	TCPFlagRST = 1 << 2
	TCPFlagPSH = 1 << 3
	TCPFlagACK = 1 << 4
	TCPFlagURG = 1 << 5
)

// TCP option kinds recognized by this stack.
const (
	TCPOptionKindEnd           = 0
	TCPOptionKindNOP           = 1
	TCPOptionKindMSS           = 2
	TCPOptionKindWindowScale   = 3
	TCPOptionKindSACKPermitted = 4
	TCPOptionKindTimestamps    = 8
)

const (
	tcpSrcPort    = 0
	tcpDstPort    = 2
	tcpSeqNum     = 4
	tcpAckNum     = 8
	tcpDataOffset = 12
	tcpFlags      = 13
	tcpWindow     = 14
	tcpChecksum   = 16
	tcpUrgent     = 18
)

// TCP is a view over a serialized TCP segment (fixed header, options
// and data).
type TCP []byte

// SourcePort returns the segment's source port.
func (t TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(t[tcpSrcPort:])
}

// DestinationPort returns the segment's destination port.
func (t TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(t[tcpDstPort:])
}

// SequenceNumber returns the segment's sequence number.
func (t TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(t[tcpSeqNum:])
}

// AckNumber returns the segment's acknowledgement number.
func (t TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(t[tcpAckNum:])
}

// DataOffset returns the header length in bytes, including options.
func (t TCP) DataOffset() int {
	return int(t[tcpDataOffset]>>4) * 4
}

// Flags returns the control bits.
func (t TCP) Flags() uint8 {
	return t[tcpFlags]
}

// Window returns the advertised window.
func (t TCP) Window() uint16 {
	return binary.BigEndian.Uint16(t[tcpWindow:])
}

// Checksum returns the checksum field as stored on the wire.
func (t TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(t[tcpChecksum:])
}

// Options returns the TLV option area between the fixed header and
// the data offset.
func (t TCP) Options() []byte {
	return t[TCPMinimumSize:t.DataOffset()]
}

// Payload returns the data following the header (including options).
func (t TCP) Payload() []byte {
	return t[t.DataOffset():]
}

// TCPFields holds the values needed to build a TCP segment header.
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset int // total header length in bytes, including options.
	Flags      uint8
	Window     uint16
}

// EncodeTCP writes the fixed header (not options, not checksum) into
// buf, which must be at least TCPMinimumSize bytes.
func EncodeTCP(buf []byte, fields TCPFields) {
	binary.BigEndian.PutUint16(buf[tcpSrcPort:], fields.SrcPort)
	binary.BigEndian.PutUint16(buf[tcpDstPort:], fields.DstPort)
	binary.BigEndian.PutUint32(buf[tcpSeqNum:], fields.SeqNum)
	binary.BigEndian.PutUint32(buf[tcpAckNum:], fields.AckNum)
	buf[tcpDataOffset] = byte(fields.DataOffset/4) << 4
	buf[tcpFlags] = fields.Flags
	binary.BigEndian.PutUint16(buf[tcpWindow:], fields.Window)
	binary.BigEndian.PutUint16(buf[tcpChecksum:], 0)
	binary.BigEndian.PutUint16(buf[tcpUrgent:], 0)
}

// SetChecksum computes and writes the TCP checksum over the segment
// (header+options+data, checksum field zeroed) combined with the
// IPv4 pseudo-header.
func SetChecksum(t TCP, src, dst tcpip.Address) {
	binary.BigEndian.PutUint16(t[tcpChecksum:], 0)
	pseudo := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(len(t)))
	sum := ChecksumCombine(pseudo, checksumNoFold(t))
	binary.BigEndian.PutUint16(t[tcpChecksum:], ^sum)
}

// IsChecksumValid reports whether the segment's checksum, combined
// with the pseudo-header, verifies to zero.
func IsChecksumValid(t TCP, src, dst tcpip.Address) bool {
	pseudo := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(len(t)))
	sum := ChecksumCombine(pseudo, checksumNoFold(t))
	return sum == 0xffff
}

// TCPOption is a single parsed option.
type TCPOption struct {
	Kind  uint8
	Value []byte // empty for NOP/End.
}

// ParseTCPOptions performs a TLV parse of a TCP option area: kind 1
// (NOP) skips one byte; kinds 2/3/4/8 are fixed-length and
// recognized; any other kind terminates parsing for the segment
// (everything decoded so far is still returned).
func ParseTCPOptions(opts []byte) []TCPOption {
	var parsed []TCPOption
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case TCPOptionKindEnd:
			return parsed
		case TCPOptionKindNOP:
			parsed = append(parsed, TCPOption{Kind: kind})
			i++
		case TCPOptionKindMSS:
			if i+4 > len(opts) {
				return parsed
			}
			parsed = append(parsed, TCPOption{Kind: kind, Value: opts[i+2 : i+4]})
			i += 4
		case TCPOptionKindWindowScale:
			if i+3 > len(opts) {
				return parsed
			}
			parsed = append(parsed, TCPOption{Kind: kind, Value: opts[i+2 : i+3]})
			i += 3
		case TCPOptionKindSACKPermitted:
			if i+2 > len(opts) {
				return parsed
			}
			parsed = append(parsed, TCPOption{Kind: kind})
			i += 2
		case TCPOptionKindTimestamps:
			if i+10 > len(opts) {
				return parsed
			}
			parsed = append(parsed, TCPOption{Kind: kind, Value: opts[i+2 : i+10]})
			i += 10
		default:
			return parsed
		}
	}
	return parsed
}

// EncodeMSSOption writes a 4-byte MSS option into the first four
// bytes of buf.
func EncodeMSSOption(buf []byte, mss uint16) {
	buf[0] = TCPOptionKindMSS
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], mss)
}
