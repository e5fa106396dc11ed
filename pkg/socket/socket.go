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

// Package socket is the embedder-facing façade: a
// file-descriptor-like table over TCBs, with the same async
// read/write/accept shape as the reference stack's socket_t, grounded
// on its socket_manager's bind/listen/accept/read/write operations.
package socket

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/tcpip"
	"github.com/talismancer/mstack/pkg/transport/tcp"
)

// State is a socket's lifecycle stage, independent of its TCB's TCP
// state (a socket exists before any TCB does, and briefly outlives
// one on close).
type State int

const (
	StateOpen State = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosed
)

// Socket is one file-descriptor-like handle.
type Socket struct {
	FD     int
	Proto  uint8
	Local  tcpip.Endpoint
	Remote tcpip.Endpoint
	State  State

	tcb      *tcp.TCB
	listener *tcp.Listener
}

// Table is the fd table for one namespace: fd allocation reuses freed
// descriptors via a free list rather than the reference
// implementation's linear first-free scan. Freed fds are reused
// before new ones are minted, most recently freed first; the lowest
// free fd is not necessarily the one handed out.
type Table struct {
	mu      sync.Mutex
	sockets map[int]*Socket
	free    []int
	next    int

	tcp *tcp.Endpoint
	log *logrus.Entry
}

// NewTable constructs an empty fd table bound to the namespace's TCP
// endpoint.
func NewTable(tcpEndpoint *tcp.Endpoint, log *logrus.Entry) *Table {
	return &Table{
		sockets: make(map[int]*Socket),
		tcp:     tcpEndpoint,
		log:     log,
	}
}

func (t *Table) allocFD() int {
	if n := len(t.free); n > 0 {
		fd := t.free[n-1]
		t.free = t.free[:n-1]
		return fd
	}
	t.next++
	return t.next
}

// Socket allocates a new, unbound socket for proto (e.g.
// header.ProtocolTCP) and returns its fd.
func (t *Table) Socket(proto uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.allocFD()
	t.sockets[fd] = &Socket{FD: fd, Proto: proto, State: StateOpen}
	return fd
}

func (t *Table) lookup(fd int) (*Socket, error) {
	s, ok := t.sockets[fd]
	if !ok {
		return nil, fmt.Errorf("socket: fd %d not open: %w", fd, unix.ENOENT)
	}
	return s, nil
}

// Bind reserves local for fd.
func (t *Table) Bind(fd int, local tcpip.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(fd)
	if err != nil {
		return err
	}
	if err := t.tcp.Manager().Bind(local); err != nil {
		return err
	}
	s.Local = local
	s.State = StateBound
	return nil
}

// Listen marks fd as passively accepting connections.
func (t *Table) Listen(fd int, backlog int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(fd)
	if err != nil {
		return err
	}
	l, err := t.tcp.Manager().Listen(s.Local, backlog)
	if err != nil {
		return err
	}
	s.listener = l
	s.State = StateListening
	return nil
}

// AcceptAsync delivers the next inbound connection on fd as a new fd.
func (t *Table) AcceptAsync(fd int, cb func(newFD int, err error)) {
	t.mu.Lock()
	s, err := t.lookup(fd)
	t.mu.Unlock()
	if err != nil {
		cb(0, err)
		return
	}
	if s.listener == nil {
		cb(0, fmt.Errorf("socket: fd %d is not listening: %w", fd, unix.EINVAL))
		return
	}

	s.listener.AcceptAsync(func(tcb *tcp.TCB) {
		t.mu.Lock()
		newFD := t.allocFD()
		t.sockets[newFD] = &Socket{
			FD:     newFD,
			Proto:  s.Proto,
			Local:  tcb.LocalEndpoint(),
			Remote: tcb.RemoteEndpoint(),
			State:  StateConnected,
			tcb:    tcb,
		}
		t.mu.Unlock()
		cb(newFD, nil)
	})
}

// ConnectAsync begins an active open from fd to remote; cb fires once
// the handshake completes.
func (t *Table) ConnectAsync(fd int, remote tcpip.Endpoint, cb func(err error)) {
	t.mu.Lock()
	s, err := t.lookup(fd)
	t.mu.Unlock()
	if err != nil {
		cb(err)
		return
	}

	s.Remote = remote
	s.State = StateConnecting
	s.tcb = t.tcp.Manager().Connect(remote, s.Local, func(tcb *tcp.TCB) {
		t.mu.Lock()
		s.State = StateConnected
		t.mu.Unlock()
		cb(nil)
	})
}

// ReadAsync reads into buf from fd's connection.
func (t *Table) ReadAsync(fd int, buf []byte, cb func(n int, err error)) {
	t.mu.Lock()
	s, err := t.lookup(fd)
	t.mu.Unlock()
	if err != nil {
		cb(0, err)
		return
	}
	if s.tcb == nil {
		cb(0, fmt.Errorf("socket: fd %d is not connected: %w", fd, unix.ENOTCONN))
		return
	}
	s.tcb.ReadAsync(buf, cb)
}

// Write enqueues p on fd's connection for transmission.
func (t *Table) Write(fd int, p []byte) (int, error) {
	t.mu.Lock()
	s, err := t.lookup(fd)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if s.tcb == nil {
		return 0, fmt.Errorf("socket: fd %d is not connected: %w", fd, unix.ENOTCONN)
	}
	return s.tcb.Write(p)
}

// Close releases fd: its TCB (if any) is closed, which sends a FIN
// from ESTABLISHED or CLOSE_WAIT and does nothing in other states, and
// the fd itself is returned to the free list for reuse.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(fd)
	if err != nil {
		return err
	}
	if s.tcb != nil {
		s.tcb.Close()
	}
	s.State = StateClosed
	delete(t.sockets, fd)
	t.free = append(t.free, fd)
	return nil
}
