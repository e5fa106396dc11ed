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

// Package icmp implements Echo Request handling only.
package icmp

import (
	"github.com/sirupsen/logrus"

	"github.com/talismancer/mstack/pkg/buffer"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/network/ipv4"
)

// Endpoint is the ICMP component.
type Endpoint struct {
	ip  *ipv4.Endpoint
	log *logrus.Entry
}

// NewEndpoint constructs an ICMP endpoint and registers it with ip
// for ProtocolICMP.
func NewEndpoint(ip *ipv4.Endpoint, log *logrus.Entry) *Endpoint {
	e := &Endpoint{ip: ip, log: log}
	ip.RegisterHandler(header.ProtocolICMP, e.deliver)
	return e
}

func (e *Endpoint) deliver(pkt header.IPv4, dev *device.Device) {
	body := pkt.Payload()
	if len(body) < header.ICMPMinimumSize {
		e.log.Debug("icmp: packet shorter than header, dropping")
		return
	}
	icmp := header.ICMP(body)
	if icmp.Type() != header.ICMPTypeEchoRequest {
		e.log.WithField("type", icmp.Type()).Debug("icmp: unhandled type, dropping")
		return
	}

	payload := icmp.Payload()
	buf := buffer.NewBuffer(
		header.EthernetMinimumSize+header.IPv4MinimumSize+header.ICMPMinimumSize+len(payload),
		header.EthernetMinimumSize+header.IPv4MinimumSize,
	)
	reply := buf.PushBack(header.ICMPMinimumSize + len(payload))
	copy(reply[header.ICMPMinimumSize:], payload)
	header.EncodeICMP(reply, header.ICMPFields{
		Type:     header.ICMPTypeEchoReply,
		Code:     0,
		Ident:    icmp.Ident(),
		Sequence: icmp.Sequence(),
	})

	e.ip.Egress(ipv4.EgressRequest{
		SrcAddr: pkt.DestinationAddress(),
		DstAddr: pkt.SourceAddress(),
		Proto:   header.ProtocolICMP,
		Payload: buf,
	})
}
