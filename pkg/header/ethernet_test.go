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
	"testing"

	"github.com/talismancer/mstack/pkg/tcpip"
)

func TestEthernetEncodeParseRoundTrip(t *testing.T) {
	buf := make([]byte, EthernetMinimumSize+2)
	fields := EthernetFields{
		SrcAddr: tcpip.LinkAddressFromBytes([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}),
		DstAddr: tcpip.LinkAddressFromBytes([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}),
		Type:    EthernetTypeIPv4,
	}
	EncodeEthernet(buf, fields)

	frame := Ethernet(buf)
	if got := frame.SourceAddress(); got != fields.SrcAddr {
		t.Errorf("SourceAddress() = %s, want %s", got, fields.SrcAddr)
	}
	if got := frame.DestinationAddress(); got != fields.DstAddr {
		t.Errorf("DestinationAddress() = %s, want %s", got, fields.DstAddr)
	}
	if got := frame.Type(); got != fields.Type {
		t.Errorf("Type() = %#04x, want %#04x", got, fields.Type)
	}
}
