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

package arp

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/talismancer/mstack/pkg/buffer"
	"github.com/talismancer/mstack/pkg/executor"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/link/ethernet"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// ResolveCallback is invoked, on the executor, with the resolved MAC.
type ResolveCallback func(tcpip.LinkAddress)

// waiter is a single pending AsyncResolve call parked on a target.
type waiter struct {
	cb ResolveCallback
}

// Resolver implements IPv4-to-MAC resolution over Ethernet, with a
// backing Cache and coalescing of concurrent requests for the same
// target.
type Resolver struct {
	cache *Cache
	eth   *ethernet.Endpoint
	exec  *executor.Executor
	log   *logrus.Entry

	mu      sync.Mutex
	pending map[tcpip.Address][]waiter
	limiter map[tcpip.Address]*rate.Limiter
	owned   map[tcpip.Address]tcpip.LinkAddress
}

// NewResolver constructs a Resolver and registers it with eth for
// EtherTypeARP.
func NewResolver(cache *Cache, eth *ethernet.Endpoint, exec *executor.Executor, log *logrus.Entry) *Resolver {
	r := &Resolver{
		cache:   cache,
		eth:     eth,
		exec:    exec,
		log:     log,
		pending: make(map[tcpip.Address][]waiter),
		limiter: make(map[tcpip.Address]*rate.Limiter),
		owned:   make(map[tcpip.Address]tcpip.LinkAddress),
	}
	eth.RegisterHandler(header.EthernetTypeARP, r.deliver)
	return r
}

// AnswerFor registers that this namespace owns addr with mac, so
// incoming "who-has addr" requests are answered.
func (r *Resolver) AnswerFor(addr tcpip.Address, mac tcpip.LinkAddress) {
	r.mu.Lock()
	r.owned[addr] = mac
	r.mu.Unlock()
}

// AsyncResolve resolves toAddr to a MAC, reachable by broadcasting on
// dev from (fromMAC, fromAddr). If toAddr is already cached, cb fires
// immediately (posted via the executor). Otherwise cb is parked and a
// single ARP request is broadcast for toAddr; concurrent callers for
// the same toAddr share that one request and all fire, in
// registration order, off the first reply. While a request is
// outstanding, a later caller re-broadcasts only when the per-target
// limiter (one request per second) allows it.
func (r *Resolver) AsyncResolve(fromMAC tcpip.LinkAddress, fromAddr, toAddr tcpip.Address, dev *device.Device, cb ResolveCallback) {
	if mac, ok := r.cache.Lookup(toAddr); ok {
		r.exec.Post(func() { cb(mac) })
		return
	}

	r.mu.Lock()
	_, inFlight := r.pending[toAddr]
	r.pending[toAddr] = append(r.pending[toAddr], waiter{cb: cb})
	limiter := r.limiterFor(toAddr)
	r.mu.Unlock()

	// Every broadcast, including the first, takes a limiter token.
	allowed := limiter.Allow()
	if inFlight && !allowed {
		// A request for this target is already outstanding and we're
		// rate-limited on re-broadcasting; the callback stays parked
		// and fires off whichever reply (to this or an earlier
		// coalesced broadcast) arrives first.
		return
	}
	r.broadcastRequest(fromMAC, fromAddr, toAddr, dev)
}

// limiterFor returns the rate limiter bounding re-broadcasts for
// addr, creating it on first use. Must be called with mu held.
func (r *Resolver) limiterFor(addr tcpip.Address) *rate.Limiter {
	l, ok := r.limiter[addr]
	if !ok {
		l = rate.NewLimiter(1, 1) // 1 req/s, burst 1: bounds re-broadcast storms under coalescing.
		r.limiter[addr] = l
	}
	return l
}

func (r *Resolver) broadcastRequest(fromMAC tcpip.LinkAddress, fromAddr, toAddr tcpip.Address, dev *device.Device) {
	buf := buffer.NewBuffer(header.EthernetMinimumSize+header.ARPSize, header.EthernetMinimumSize)
	body := buf.PushBack(header.ARPSize)
	header.EncodeARP(body, header.ARPFields{
		Op:           header.ARPRequest,
		SenderHWAddr: fromMAC,
		SenderProto:  fromAddr,
		TargetHWAddr: tcpip.LinkAddress{},
		TargetProto:  toAddr,
	})
	r.eth.Egress(ethernet.EgressRequest{
		SrcAddr: fromMAC,
		DstAddr: tcpip.BroadcastLinkAddress,
		Type:    header.EthernetTypeARP,
		Payload: buf,
		Device:  dev,
	})
}

func (r *Resolver) deliver(buf *buffer.Buffer, dev *device.Device) {
	pkt := header.ARP(buf.Payload())
	if !pkt.IsValid() {
		r.log.Debug("arp: malformed packet, dropping")
		return
	}

	senderMAC := pkt.SenderHardwareAddress()
	senderAddr := pkt.SenderProtocolAddress()
	r.cache.Learn(senderAddr, senderMAC)

	switch pkt.Op() {
	case header.ARPRequest:
		r.handleRequest(pkt, dev)
	case header.ARPReply:
		r.handleReply(senderAddr, senderMAC)
	default:
		r.log.WithField("op", pkt.Op()).Debug("arp: unknown opcode, dropping")
	}
}

func (r *Resolver) handleRequest(pkt header.ARP, dev *device.Device) {
	target := pkt.TargetProtocolAddress()
	r.mu.Lock()
	mac, ok := r.owned[target]
	r.mu.Unlock()
	if !ok {
		return
	}

	buf := buffer.NewBuffer(header.EthernetMinimumSize+header.ARPSize, header.EthernetMinimumSize)
	body := buf.PushBack(header.ARPSize)
	header.EncodeARP(body, header.ARPFields{
		Op:           header.ARPReply,
		SenderHWAddr: mac,
		SenderProto:  target,
		TargetHWAddr: pkt.SenderHardwareAddress(),
		TargetProto:  pkt.SenderProtocolAddress(),
	})
	r.eth.Egress(ethernet.EgressRequest{
		SrcAddr: mac,
		DstAddr: pkt.SenderHardwareAddress(),
		Type:    header.EthernetTypeARP,
		Payload: buf,
		Device:  dev,
	})
}

func (r *Resolver) handleReply(addr tcpip.Address, mac tcpip.LinkAddress) {
	r.mu.Lock()
	waiters := r.pending[addr]
	delete(r.pending, addr)
	r.mu.Unlock()

	for _, w := range waiters {
		cb := w.cb
		r.exec.Post(func() { cb(mac) })
	}
}
