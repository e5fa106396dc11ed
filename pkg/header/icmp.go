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

import "encoding/binary"

// ICMPMinimumSize is the length of a fixed ICMP echo header.
const ICMPMinimumSize = 8

// ICMP types this stack handles.
const (
	ICMPTypeEchoReply   = 0
	ICMPTypeEchoRequest = 8
)

const (
	icmpType     = 0
	icmpCode     = 1
	icmpChecksum = 2
	icmpIdent    = 4
	icmpSeq      = 6
)

// ICMP is a view over a serialized ICMP echo request/reply.
type ICMP []byte

// Type returns the ICMP message type.
func (i ICMP) Type() uint8 {
	return i[icmpType]
}

// Code returns the ICMP message code.
func (i ICMP) Code() uint8 {
	return i[icmpCode]
}

// Ident returns the echo identifier.
func (i ICMP) Ident() uint16 {
	return binary.BigEndian.Uint16(i[icmpIdent:])
}

// Sequence returns the echo sequence number.
func (i ICMP) Sequence() uint16 {
	return binary.BigEndian.Uint16(i[icmpSeq:])
}

// Payload returns the bytes following the fixed echo header.
func (i ICMP) Payload() []byte {
	return i[ICMPMinimumSize:]
}

// ICMPFields holds the values needed to build an ICMP echo header.
type ICMPFields struct {
	Type     uint8
	Code     uint8
	Ident    uint16
	Sequence uint16
}

// EncodeICMP writes the fixed echo header into buf (at least
// ICMPMinimumSize bytes) and computes the checksum over the header
// plus any payload already placed after it in buf.
func EncodeICMP(buf []byte, fields ICMPFields) {
	buf[icmpType] = fields.Type
	buf[icmpCode] = fields.Code
	binary.BigEndian.PutUint16(buf[icmpChecksum:], 0)
	binary.BigEndian.PutUint16(buf[icmpIdent:], fields.Ident)
	binary.BigEndian.PutUint16(buf[icmpSeq:], fields.Sequence)
	sum := Checksum(buf, 0)
	binary.BigEndian.PutUint16(buf[icmpChecksum:], sum)
}
