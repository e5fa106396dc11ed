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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/tcpip"
)

// defaultReceiveWindow is the fixed receive window advertised by every
// TCB. 0xFAF0 matches the circular buffer size the reference
// implementation sizes its receive queue to.
const defaultReceiveWindow = 0xFAF0

// defaultMSS is assumed until the peer advertises one of its own via
// the MSS option (RFC 879's historical IPv4 default).
const defaultMSS = 536

// localMSS is what this stack advertises in its own MSS option: a
// 1500-byte-MTU Ethernet frame minus a 20-byte IPv4 header and a
// 20-byte TCP header.
const localMSS = 1460

// sendState is SND.* (RFC 793 §3.2).
type sendState struct {
	unack  uint32
	next   uint32
	window uint16
	mss    uint16
	queue  *ring
}

// recvState is RCV.* (RFC 793 §3.2).
type recvState struct {
	next   uint32
	window uint16
	queue  *ring
}

// pendingRead is a parked async_read_some-style reader waiting for
// data to arrive. Only one may be outstanding at a time.
type pendingRead struct {
	buf []byte
	cb  func(n int, err error)
}

// segment is a demultiplexed, parsed inbound TCP segment, handed to a
// TCB by the framing layer.
type segment struct {
	SeqNum  uint32
	AckNum  uint32
	Flags   uint8
	Window  uint16
	Options []header.TCPOption
	Payload []byte
}

func (s segment) has(flag uint8) bool { return s.Flags&flag != 0 }

// sender is implemented by the framing Endpoint: it owns the
// pseudo-header checksum and the handoff to IPv4 egress.
type sender interface {
	sendSegment(tuple tcpip.FourTuple, seq, ack uint32, flags uint8, window uint16, opts []byte, payload []byte)
}

// owner is implemented by the TCB manager so a TCB can deregister
// itself once it has run its course, and so an accepted passive-open
// connection can be handed to whichever listener is waiting on
// Accept.
type owner interface {
	removeTCB(tuple tcpip.FourTuple)
	accepted(t *TCB)
}

// TCB is one RFC 793 transmission control block. Inbound segments are
// processed on the namespace's executor goroutine, while the
// embedder's Write, ReadAsync and Close calls run on the caller's own
// goroutine and mutate the TCB directly; the mutex serializes the two.
type TCB struct {
	mu sync.Mutex

	tuple tcpip.FourTuple
	state State

	send sendState
	recv recvState

	// finSeq is the sequence number consumed by our own FIN, valid
	// once finSent is true.
	finSent bool
	finSeq  uint32

	pendingReader *pendingRead

	sndr sender
	mngr owner
	log  *logrus.Entry

	// onEstablished, when set, fires once an active-open TCB reaches
	// ESTABLISHED, in place of owner.accepted (which routes
	// passive-open TCBs to a bound Listener instead).
	onEstablished func(*TCB)
}

// LocalEndpoint returns the TCB's local (address, port) pair.
func (t *TCB) LocalEndpoint() tcpip.Endpoint { return t.tuple.Local }

// RemoteEndpoint returns the TCB's remote (address, port) pair.
func (t *TCB) RemoteEndpoint() tcpip.Endpoint { return t.tuple.Remote }

func generateISN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a
		// fixed but non-zero ISN rather than panic mid-handshake.
		return 1
	}
	return binary.BigEndian.Uint32(b[:])
}

func applyOptions(opts []header.TCPOption, mss *uint16) {
	for _, opt := range opts {
		if opt.Kind == header.TCPOptionKindMSS && len(opt.Value) == 2 {
			*mss = binary.BigEndian.Uint16(opt.Value)
		}
	}
}

// newPassive constructs a TCB already in SYN_RECEIVED, as the
// combined effect of the reference stack's LISTEN-state SYN handling:
// RCV.NXT is set from the SYN's sequence number, an ISN is chosen,
// and a SYN|ACK is sent in the same step.
func newPassive(tuple tcpip.FourTuple, syn segment, sndr sender, mngr owner, log *logrus.Entry) *TCB {
	t := &TCB{
		tuple: tuple,
		state: StateSynReceived,
		sndr:  sndr,
		mngr:  mngr,
		log:   log,
	}
	t.recv.window = defaultReceiveWindow
	t.recv.queue = newRing(defaultReceiveWindow)
	t.recv.next = syn.SeqNum + 1

	t.send.mss = defaultMSS
	applyOptions(syn.Options, &t.send.mss)
	t.send.window = syn.Window
	t.send.queue = newRing(sendQueueCapacity(syn.Window))

	isn := generateISN()
	t.send.unack = isn
	t.send.next = isn + 1

	t.emit(header.TCPFlagSYN|header.TCPFlagACK, nil)
	return t
}

// newActive constructs a TCB in SYN_SENT and emits the opening SYN
//. onEstablished fires once the handshake completes.
func newActive(tuple tcpip.FourTuple, sndr sender, mngr owner, log *logrus.Entry, onEstablished func(*TCB)) *TCB {
	t := &TCB{
		tuple:         tuple,
		state:         StateSynSent,
		sndr:          sndr,
		mngr:          mngr,
		log:           log,
		onEstablished: onEstablished,
	}
	t.recv.window = defaultReceiveWindow
	t.recv.queue = newRing(defaultReceiveWindow)

	t.send.mss = defaultMSS
	t.send.queue = newRing(int(defaultReceiveWindow))

	isn := generateISN()
	t.send.unack = isn
	t.send.next = isn + 1

	t.emit(header.TCPFlagSYN, nil)
	return t
}

func sendQueueCapacity(peerWindow uint16) int {
	if peerWindow == 0 {
		return defaultMSS
	}
	return int(peerWindow)
}

// State returns the TCB's current RFC 793 state.
func (t *TCB) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TCB) String() string {
	return fmt.Sprintf("tcb{%s state=%s}", t.tuple, t.state)
}

// emit constructs and transmits a segment carrying the given control
// flags and payload, consuming one sequence number per SYN/FIN set
//. ACK is always set except on the very first SYN of an
// active open.
func (t *TCB) emit(flags uint8, payload []byte) {
	seq := t.send.next
	ack := uint32(0)
	if flags&header.TCPFlagACK != 0 || t.state != StateSynSent {
		ack = t.recv.next
		flags |= header.TCPFlagACK
	}
	if len(payload) > 0 {
		flags |= header.TCPFlagPSH
	}

	var opts []byte
	if flags&header.TCPFlagSYN != 0 {
		// MSS, then NOP, NOP padding, then SACK-permitted: the
		// standard option layout most TCP stacks send on a SYN.
		opts = make([]byte, 8)
		header.EncodeMSSOption(opts[:4], localMSS)
		opts[4] = header.TCPOptionKindNOP
		opts[5] = header.TCPOptionKindNOP
		opts[6] = header.TCPOptionKindSACKPermitted
		opts[7] = 2
	}

	t.sndr.sendSegment(t.tuple, seq, ack, flags, t.recv.window, opts, payload)

	consumed := uint32(len(payload))
	if flags&header.TCPFlagSYN != 0 {
		consumed++
	}
	if flags&header.TCPFlagFIN != 0 {
		t.finSeq = seq
		consumed++
	}
	t.send.next += consumed
}

// sendAck emits a bare, payload-less ACK.
func (t *TCB) sendAck() {
	t.emit(header.TCPFlagACK, nil)
}

// drainSendQueue emits MSS-sized data segments for every byte queued
// by Write that has not yet been put on the wire.
func (t *TCB) drainSendQueue() {
	for {
		unacked := int(t.send.next - t.send.unack)
		pending := t.send.queue.Len() - unacked
		if pending <= 0 {
			return
		}
		n := pending
		if n > int(t.send.mss) {
			n = int(t.send.mss)
		}
		chunk := t.send.queue.Slice(unacked, n)
		t.emit(header.TCPFlagACK, chunk)
	}
}

// Write enqueues p for transmission and returns once every byte has
// been accepted into the send ring. It
// returns an error if p does not fit in the remaining window.
func (t *TCB) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.send.queue.Free() < len(p) {
		return 0, fmt.Errorf("tcp: write of %d bytes exceeds send window (free=%d)", len(p), t.send.queue.Free())
	}
	t.send.queue.Append(p)
	t.drainSendQueue()
	return len(p), nil
}

// ReadAsync parks cb to be invoked with the number of bytes copied
// into buf, either immediately (data already queued) or the next
// time a data segment arrives. If the queued data does not fit in
// buf, cb is invoked with (0, unix.EOVERFLOW) and the data is left
// queued for a subsequent, larger read.
func (t *TCB) ReadAsync(buf []byte, cb func(n int, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recv.queue.Len() > 0 {
		n := t.recv.queue.Len()
		if n > len(buf) {
			cb(0, unix.EOVERFLOW)
			return
		}
		copy(buf, t.recv.queue.Slice(0, n))
		t.recv.queue.Advance(n)
		t.recv.next += uint32(n)
		t.sendAck()
		cb(n, nil)
		return
	}
	t.pendingReader = &pendingRead{buf: buf, cb: cb}
}

// Close initiates an active close: a FIN is sent and the TCB advances
// out of ESTABLISHED/CLOSE_WAIT per RFC 793 §3.5.
func (t *TCB) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateEstablished:
		t.state = StateFinWait1
		t.finSent = true
		t.emit(header.TCPFlagFIN, nil)
	case StateCloseWait:
		t.state = StateLastAck
		t.finSent = true
		t.emit(header.TCPFlagFIN, nil)
	default:
		t.log.WithField("state", t.state).Debug("tcp: close called outside a closable state, ignoring")
	}
}

// HandleSegment is the entry point for every inbound segment once a
// TCB exists for its four-tuple.
func (t *TCB) HandleSegment(seg segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateSynSent:
		t.handleSynSent(seg)
	default:
		t.handleGeneral(seg)
	}
}

// handleSynSent implements RFC 793's SYN-SENT state processing: the
// only state where a SYN may legitimately be set on an inbound
// segment outside of retransmission.
func (t *TCB) handleSynSent(seg segment) {
	if seg.has(header.TCPFlagACK) {
		if seqLess(seg.AckNum, t.send.unack) || seqLess(t.send.next, seg.AckNum) {
			if !seg.has(header.TCPFlagRST) {
				t.sndr.sendSegment(t.tuple, seg.AckNum, 0, header.TCPFlagRST, 0, nil, nil)
			}
			return
		}
	}
	if seg.has(header.TCPFlagRST) {
		t.dispose()
		return
	}
	if !seg.has(header.TCPFlagSYN) {
		return
	}

	t.recv.next = seg.SeqNum + 1
	t.send.window = seg.Window
	t.send.queue = newRing(sendQueueCapacity(seg.Window))
	applyOptions(seg.Options, &t.send.mss)

	if seg.has(header.TCPFlagACK) {
		t.send.unack = seg.AckNum
		t.state = StateEstablished
		t.emit(header.TCPFlagACK, nil)
		t.drainSendQueue()
		if t.onEstablished != nil {
			t.onEstablished(t)
		} else if t.mngr != nil {
			t.mngr.accepted(t)
		}
		return
	}

	// Simultaneous open: both sides sent an unacknowledged SYN.
	t.state = StateSynReceived
	t.emit(header.TCPFlagSYN|header.TCPFlagACK, nil)
}

// handleGeneral implements the shared segment-processing pipeline for
// every state from SYN-RECEIVED through TIME-WAIT: acceptability,
// RST, ACK, data, then FIN.
func (t *TCB) handleGeneral(seg segment) {
	if !acceptable(seg.SeqNum, len(seg.Payload), t.recv.next, t.recv.window) {
		if !seg.has(header.TCPFlagRST) {
			t.sendAck()
		}
		return
	}

	if seg.has(header.TCPFlagRST) {
		t.log.WithField("tcb", t.String()).Debug("tcp: connection reset by peer")
		t.dispose()
		return
	}

	if seg.has(header.TCPFlagACK) {
		if seqLess(t.send.next, seg.AckNum) {
			// Acks something we never sent: answer with our
			// current state so the peer can resynchronize.
			t.sendAck()
			return
		}

		if seqLess(t.send.unack, seg.AckNum) {
			advanced := int(seg.AckNum - t.send.unack)
			t.send.queue.Advance(min(advanced, t.send.queue.Len()))
			t.send.unack = seqClamp(seg.AckNum, t.send.unack, t.send.next)
		}
		t.send.window = seg.Window

		switch t.state {
		case StateFinWait1:
			if t.finSent && seqLessEq(t.finSeq+1, t.send.unack) {
				t.state = StateFinWait2
			}
		case StateClosing:
			if t.finSent && seqLessEq(t.finSeq+1, t.send.unack) {
				t.state = StateTimeWait
			}
		case StateLastAck:
			if t.finSent && seqLessEq(t.finSeq+1, t.send.unack) {
				t.dispose()
				return
			}
		}
	}

	switch t.state {
	case StateSynReceived:
		t.state = StateEstablished
		if t.mngr != nil {
			t.mngr.accepted(t)
		}
	}

	t.handleData(seg)
	t.handleFin(seg)
}

// handleData delivers payload bytes either straight to a parked
// reader or into the receive ring, per the reference stack's
// occupancy check: a segment is only consumed if it starts at or
// beyond what is already buffered, since this stack does not
// reassemble out-of-order data. RCV.NXT — and therefore the ACK sent
// back — only advances for bytes actually handed to the application,
// not merely buffered.
func (t *TCB) handleData(seg segment) {
	if len(seg.Payload) == 0 {
		return
	}
	if seqLess(seg.SeqNum, t.recv.next+uint32(t.recv.queue.Len())) {
		return
	}

	if t.pendingReader != nil {
		r := t.pendingReader

		if len(seg.Payload) > len(r.buf) {
			if t.recv.queue.Free() < len(seg.Payload) {
				t.log.WithField("tcb", t.String()).Warn("tcp: receive ring full, dropping segment")
				return
			}
			t.pendingReader = nil
			t.recv.queue.Append(seg.Payload)
			r.cb(0, unix.EOVERFLOW)
			return
		}

		t.pendingReader = nil
		n := len(seg.Payload)
		copy(r.buf, seg.Payload)
		t.recv.next += uint32(n)
		t.sendAck()
		r.cb(n, nil)
		return
	}

	if t.recv.queue.Free() < len(seg.Payload) {
		t.log.WithField("tcb", t.String()).Warn("tcp: receive ring full, dropping segment")
		return
	}
	t.recv.queue.Append(seg.Payload)
}

// handleFin implements RFC 793's per-state FIN bit processing,
// always answered with an ACK.
func (t *TCB) handleFin(seg segment) {
	if !seg.has(header.TCPFlagFIN) {
		return
	}

	switch t.state {
	case StateSynReceived, StateEstablished:
		t.recv.next++
		t.state = StateCloseWait
		t.sendAck()
	case StateFinWait1:
		// Our own FIN has not been acked yet this round (ACK
		// processing above would already have moved us to
		// FIN_WAIT_2 otherwise) — this is a simultaneous close.
		t.recv.next++
		t.state = StateClosing
		t.sendAck()
	case StateFinWait2:
		t.recv.next++
		t.state = StateTimeWait
		t.sendAck()
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		// Retransmission of a FIN already accounted for; just
		// re-acknowledge it.
		t.sendAck()
	}
}

func (t *TCB) dispose() {
	t.state = StateClosed
	if t.mngr != nil {
		t.mngr.removeTCB(t.tuple)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
