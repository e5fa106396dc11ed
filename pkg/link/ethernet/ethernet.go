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

// Package ethernet implements the L2 framing layer: it demultiplexes
// inbound frames by EtherType and frames outbound payloads for the
// device.
package ethernet

import (
	"github.com/sirupsen/logrus"

	"github.com/talismancer/mstack/pkg/buffer"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// Handler processes a demultiplexed inbound payload. dev is the
// device the frame arrived on, so a handler that must reply (ARP,
// ICMP) knows where to send the reply without a separate binding.
type Handler func(buf *buffer.Buffer, dev *device.Device)

// Endpoint is the L2 component. It owns no device itself; Egress is
// called with the target device explicitly so one Endpoint can serve
// multiple devices in a namespace.
type Endpoint struct {
	handlers map[header.EthernetType]Handler
	log      *logrus.Entry
}

// NewEndpoint constructs an Ethernet endpoint with no registered
// upper-layer handlers.
func NewEndpoint(log *logrus.Entry) *Endpoint {
	return &Endpoint{handlers: make(map[header.EthernetType]Handler), log: log}
}

// RegisterHandler binds a handler for the given EtherType, invoked on
// ingress for frames carrying it.
func (e *Endpoint) RegisterHandler(t header.EthernetType, h Handler) {
	e.handlers[t] = h
}

// DeliverFrame parses an inbound Ethernet frame's header, advances
// past it, and dispatches to the handler registered for its
// EtherType. Frames with unrecognized EtherTypes are dropped.
func (e *Endpoint) DeliverFrame(payload []byte, dev *device.Device) {
	if len(payload) < header.EthernetMinimumSize {
		e.log.Debug("ethernet: frame shorter than header, dropping")
		return
	}
	buf := buffer.NewBufferWithPayload(0, payload)
	eth := header.Ethernet(buf.PopFront(header.EthernetMinimumSize))
	h, ok := e.handlers[eth.Type()]
	if !ok {
		e.log.WithField("ethertype", eth.Type()).Debug("ethernet: unknown ethertype, dropping")
		return
	}
	h(buf, dev)
}

// EgressRequest carries the values needed to frame and transmit a
// payload.
type EgressRequest struct {
	SrcAddr  tcpip.LinkAddress
	DstAddr  tcpip.LinkAddress
	Type     header.EthernetType
	Payload  *buffer.Buffer
	Device   *device.Device
}

// Egress prepends the Ethernet header to req.Payload in place and
// hands the buffer to req.Device for transmission.
func (e *Endpoint) Egress(req EgressRequest) {
	hdr := req.Payload.PushFront(header.EthernetMinimumSize)
	header.EncodeEthernet(hdr, header.EthernetFields{
		SrcAddr: req.SrcAddr,
		DstAddr: req.DstAddr,
		Type:    req.Type,
	})
	req.Device.Process(req.Payload)
}
