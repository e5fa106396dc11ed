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

// Package tcp implements the transport layer: segment framing at the
// IPv4 boundary, the per-connection TCB state machine, and the
// listener/connection table that routes segments to a TCB.
package tcp

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/mstack/pkg/buffer"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/network/ipv4"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// InterceptFunc inspects a raw inbound segment before four-tuple
// dispatch; returning true consumes the segment, bypassing normal TCB
// routing entirely.
type InterceptFunc func(pkt header.IPv4, seg header.TCP) bool

// Endpoint is the TCP component registered with IPv4 for
// header.ProtocolTCP. It owns the connection Manager and is itself
// the sender every TCB uses to transmit.
type Endpoint struct {
	ip   *ipv4.Endpoint
	mngr *Manager
	log  *logrus.Entry

	mu           sync.Mutex
	interceptors []InterceptFunc
}

// NewEndpoint constructs a TCP endpoint, its Manager, and registers
// the endpoint with ip for inbound TCP segments.
func NewEndpoint(ip *ipv4.Endpoint, log *logrus.Entry) *Endpoint {
	e := &Endpoint{ip: ip, log: log}
	e.mngr = NewManager(e, log)
	ip.RegisterHandler(header.ProtocolTCP, e.deliver)
	return e
}

// Manager returns the connection table, used by the socket façade to
// Bind/Listen/Connect.
func (e *Endpoint) Manager() *Manager { return e.mngr }

// Intercept registers fn to be tried, in registration order, against
// every inbound segment before it reaches four-tuple dispatch. The
// first fn to return true consumes the segment.
func (e *Endpoint) Intercept(fn InterceptFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interceptors = append(e.interceptors, fn)
}

func (e *Endpoint) deliver(pkt header.IPv4, dev *device.Device) {
	body := pkt.Payload()
	if len(body) < header.TCPMinimumSize {
		e.log.Debug("tcp: segment shorter than fixed header, dropping")
		return
	}
	t := header.TCP(body)
	hlen := t.DataOffset()
	if hlen < header.TCPMinimumSize || hlen > len(body) {
		e.log.Debug("tcp: invalid data offset, dropping")
		return
	}
	if !header.IsChecksumValid(t, pkt.SourceAddress(), pkt.DestinationAddress()) {
		e.log.Debug("tcp: bad checksum, dropping")
		return
	}

	e.mu.Lock()
	interceptors := e.interceptors
	e.mu.Unlock()
	for _, fn := range interceptors {
		if fn(pkt, t) {
			return
		}
	}

	seg := segment{
		SeqNum:  t.SequenceNumber(),
		AckNum:  t.AckNumber(),
		Flags:   t.Flags(),
		Window:  t.Window(),
		Options: header.ParseTCPOptions(t.Options()),
		Payload: append([]byte(nil), t.Payload()...),
	}
	tuple := tcpip.FourTuple{
		Remote: tcpip.Endpoint{Addr: pkt.SourceAddress(), Port: t.SourcePort()},
		Local:  tcpip.Endpoint{Addr: pkt.DestinationAddress(), Port: t.DestinationPort()},
	}
	e.mngr.Deliver(tuple, seg)
}

// sendSegment implements the sender interface used by every TCB: it
// builds the TCP header and options, computes the pseudo-header
// checksum, and hands the result to IPv4 egress.
func (e *Endpoint) sendSegment(tuple tcpip.FourTuple, seq, ack uint32, flags uint8, window uint16, opts []byte, payload []byte) {
	if pad := len(opts) % 4; pad != 0 {
		opts = append(opts, make([]byte, 4-pad)...)
	}
	hlen := header.TCPMinimumSize + len(opts)

	buf := buffer.NewBuffer(
		header.EthernetMinimumSize+header.IPv4MinimumSize+hlen+len(payload),
		header.EthernetMinimumSize+header.IPv4MinimumSize,
	)
	out := buf.PushBack(hlen + len(payload))
	header.EncodeTCP(out, header.TCPFields{
		SrcPort:    tuple.Local.Port,
		DstPort:    tuple.Remote.Port,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: hlen,
		Flags:      flags,
		Window:     window,
	})
	copy(out[header.TCPMinimumSize:], opts)
	copy(out[hlen:], payload)
	header.SetChecksum(header.TCP(out), tuple.Local.Addr, tuple.Remote.Addr)

	e.ip.Egress(ipv4.EgressRequest{
		SrcAddr: tuple.Local.Addr,
		DstAddr: tuple.Remote.Addr,
		Proto:   header.ProtocolTCP,
		Payload: buf,
	})
}
