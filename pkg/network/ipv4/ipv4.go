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

// Package ipv4 implements the L3 layer: header parse/build, checksum,
// routing-table-driven next-hop lookup, ARP-resolved egress, and
// protocol dispatch to ICMP/TCP.
package ipv4

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/mstack/pkg/buffer"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/link/ethernet"
	"github.com/talismancer/mstack/pkg/network/arp"
	"github.com/talismancer/mstack/pkg/stack/routetable"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// DefaultTTL is the TTL stamped on every outgoing packet.
const DefaultTTL = 64

// Handler processes a demultiplexed inbound IPv4 packet. The full
// header.IPv4 view is passed (not just the payload) because the TCP
// framing layer needs src/dst for the pseudo-header checksum.
type Handler func(pkt header.IPv4, dev *device.Device)

// Endpoint is the L3 component, shared by every local address in the
// namespace.
type Endpoint struct {
	eth    *ethernet.Endpoint
	arp    *arp.Resolver
	routes *routetable.Table
	log    *logrus.Entry

	handlers map[uint8]Handler
	nextID   uint32

	// localMAC resolves which MAC to source frames from for a
	// given local address; the embedder may bind multiple local
	// addresses to the same namespace.
	localMAC map[tcpip.Address]tcpip.LinkAddress
}

// NewEndpoint constructs an IPv4 endpoint and registers it with eth
// for EtherTypeIPv4.
func NewEndpoint(eth *ethernet.Endpoint, resolver *arp.Resolver, routes *routetable.Table, log *logrus.Entry) *Endpoint {
	e := &Endpoint{
		eth:      eth,
		arp:      resolver,
		routes:   routes,
		log:      log,
		handlers: make(map[uint8]Handler),
		localMAC: make(map[tcpip.Address]tcpip.LinkAddress),
	}
	eth.RegisterHandler(header.EthernetTypeIPv4, e.deliver)
	return e
}

// RegisterHandler binds a handler for the given IP protocol number.
func (e *Endpoint) RegisterHandler(protocol uint8, h Handler) {
	e.handlers[protocol] = h
}

// BindLocalAddress associates addr with mac for egress source framing
// and registers it with ARP so requests for addr are answered.
func (e *Endpoint) BindLocalAddress(addr tcpip.Address, mac tcpip.LinkAddress) {
	e.localMAC[addr] = mac
	e.arp.AnswerFor(addr, mac)
}

func (e *Endpoint) deliver(buf *buffer.Buffer, dev *device.Device) {
	if buf.Len() < header.IPv4MinimumSize {
		e.log.Debug("ipv4: packet shorter than header, dropping")
		return
	}
	pkt := header.IPv4(buf.Payload())
	if pkt.Version() != header.IPv4Version {
		e.log.WithField("version", pkt.Version()).Debug("ipv4: bad version, dropping")
		return
	}
	if !pkt.IsChecksumValid() {
		e.log.Debug("ipv4: bad header checksum, dropping")
		return
	}
	buf.PopFront(pkt.HeaderLength())

	h, ok := e.handlers[pkt.Protocol()]
	if !ok {
		e.log.WithField("protocol", pkt.Protocol()).Debug("ipv4: unhandled protocol, dropping")
		return
	}
	h(pkt, dev)
}

// EgressRequest carries the values needed to build and transmit an
// IPv4 packet.
type EgressRequest struct {
	SrcAddr tcpip.Address
	DstAddr tcpip.Address
	Proto   uint8
	Payload *buffer.Buffer
}

// Egress builds a 20-byte IPv4 header in place ahead of req.Payload,
// resolves the next hop via the routing table and ARP, and hands off
// to Ethernet once the destination MAC is known. If no route exists
// the packet is dropped and logged.
func (e *Endpoint) Egress(req EgressRequest) {
	route, ok := e.routes.Lookup(req.DstAddr)
	if !ok {
		e.log.WithField("dst", req.DstAddr).Warn("ipv4: no route, dropping")
		return
	}

	id := uint16(atomic.AddUint32(&e.nextID, 1))
	hdr := req.Payload.PushFront(header.IPv4MinimumSize)
	header.EncodeIPv4(hdr, header.IPv4Fields{
		TotalLength: uint16(req.Payload.Len()),
		ID:          id,
		TTL:         DefaultTTL,
		Protocol:    req.Proto,
		SrcAddr:     req.SrcAddr,
		DstAddr:     req.DstAddr,
	})

	nextHop := route.NextHop
	if nextHop == 0 {
		nextHop = req.DstAddr
	}
	srcMAC := e.localMAC[req.SrcAddr]

	e.arp.AsyncResolve(srcMAC, req.SrcAddr, nextHop, route.Device, func(dstMAC tcpip.LinkAddress) {
		e.eth.Egress(ethernet.EgressRequest{
			SrcAddr: srcMAC,
			DstAddr: dstMAC,
			Type:    header.EthernetTypeIPv4,
			Payload: req.Payload,
			Device:  route.Device,
		})
	})
}
