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

package tcp

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// AcceptCallback receives a freshly established passive-open
// connection.
type AcceptCallback func(*TCB)

// Listener holds the backlog of established-but-unaccepted
// connections for one bound local endpoint, and any Accept calls
// parked ahead of a connection arriving, coalesced the same way ARP
// resolution parks callers of AsyncResolve.
type Listener struct {
	mu      sync.Mutex
	local   tcpip.Endpoint
	backlog []*TCB
	cap     int
	waiters []AcceptCallback
}

func newListener(local tcpip.Endpoint, backlog int) *Listener {
	return &Listener{local: local, cap: backlog}
}

// AcceptAsync delivers the next established connection to cb, either
// immediately if one is already backlogged or the next time one
// completes its handshake.
func (l *Listener) AcceptAsync(cb AcceptCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.backlog) > 0 {
		t := l.backlog[0]
		l.backlog = l.backlog[1:]
		cb(t)
		return
	}
	l.waiters = append(l.waiters, cb)
}

func (l *Listener) deliver(t *TCB, log *logrus.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		cb := l.waiters[0]
		l.waiters = l.waiters[1:]
		cb(t)
		return
	}
	if len(l.backlog) >= l.cap {
		log.WithField("local", l.local).Warn("tcp: accept backlog full, dropping connection")
		return
	}
	l.backlog = append(l.backlog, t)
}

// Manager owns every TCB and Listener in a namespace, keyed by
// four-tuple and local endpoint respectively.
type Manager struct {
	mu        sync.Mutex
	tcbs      map[tcpip.FourTuple]*TCB
	listeners map[tcpip.Endpoint]*Listener
	bound     map[tcpip.Endpoint]struct{}

	sndr sender
	log  *logrus.Entry
}

// NewManager constructs an empty Manager. sndr is the framing
// Endpoint that turns outbound segments into wire bytes.
func NewManager(sndr sender, log *logrus.Entry) *Manager {
	return &Manager{
		tcbs:      make(map[tcpip.FourTuple]*TCB),
		listeners: make(map[tcpip.Endpoint]*Listener),
		bound:     make(map[tcpip.Endpoint]struct{}),
		sndr:      sndr,
		log:       log,
	}
}

// Bind reserves a local endpoint for later use with Listen. It
// returns an error if the endpoint is already bound.
func (m *Manager) Bind(ep tcpip.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bound[ep]; ok {
		return fmt.Errorf("tcp: %s already in use", ep)
	}
	m.bound[ep] = struct{}{}
	return nil
}

// Listen marks ep as passively accepting connections, with the given
// accept backlog, and returns the Listener used to drain them.
func (m *Manager) Listen(ep tcpip.Endpoint, backlog int) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bound[ep]; !ok {
		return nil, fmt.Errorf("tcp: %s not bound", ep)
	}
	l := newListener(ep, backlog)
	m.listeners[ep] = l
	return l, nil
}

// Connect begins an active open to remote from local, returning the
// TCB immediately in SYN_SENT. onEstablished fires once the
// handshake completes.
func (m *Manager) Connect(remote, local tcpip.Endpoint, onEstablished func(*TCB)) *TCB {
	tuple := tcpip.FourTuple{Remote: remote, Local: local}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := newActive(tuple, m.sndr, m, m.log, onEstablished)
	m.tcbs[tuple] = t
	return t
}

// Deliver routes one parsed inbound segment to its TCB, creating a
// new passive-open TCB if the tuple is unknown but a listener is
// bound to its local endpoint.
func (m *Manager) Deliver(tuple tcpip.FourTuple, seg segment) {
	m.mu.Lock()
	if t, ok := m.tcbs[tuple]; ok {
		m.mu.Unlock()
		t.HandleSegment(seg)
		return
	}

	l, hasListener := m.listeners[tuple.Local]
	if hasListener && seg.has(header.TCPFlagSYN) && !seg.has(header.TCPFlagACK) {
		t := newPassive(tuple, seg, m.sndr, m, m.log)
		m.tcbs[tuple] = t
		m.mu.Unlock()
		_ = l // the TCB reports itself to the listener via accepted() once ESTABLISHED.
		return
	}
	m.mu.Unlock()

	m.log.WithField("tuple", tuple).Debug("tcp: segment for unknown connection, dropping")
	if seg.has(header.TCPFlagACK) && !seg.has(header.TCPFlagRST) {
		m.sndr.sendSegment(tuple, seg.AckNum, 0, header.TCPFlagRST, 0, nil, nil)
	}
}

// Count returns the number of live TCBs, for diagnostics and metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tcbs)
}

// removeTCB implements owner, called by a TCB once it reaches CLOSED.
func (m *Manager) removeTCB(tuple tcpip.FourTuple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tcbs, tuple)
}

// accepted implements owner, called by a TCB the moment its handshake
// completes, to hand it to whichever Listener is bound to its local
// endpoint.
func (m *Manager) accepted(t *TCB) {
	m.mu.Lock()
	l, ok := m.listeners[t.tuple.Local]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("tcb", t.String()).Warn("tcp: connection established with no listener, dropping")
		return
	}
	l.deliver(t, m.log)
}
