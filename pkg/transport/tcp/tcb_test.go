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
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/tcpip"
)

type sentSegment struct {
	tuple   tcpip.FourTuple
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	payload []byte
}

type fakeSender struct {
	sent []sentSegment
}

func (f *fakeSender) sendSegment(tuple tcpip.FourTuple, seq, ack uint32, flags uint8, window uint16, opts, payload []byte) {
	f.sent = append(f.sent, sentSegment{tuple: tuple, seq: seq, ack: ack, flags: flags, window: window, payload: append([]byte(nil), payload...)})
}

func (f *fakeSender) last() sentSegment { return f.sent[len(f.sent)-1] }

type fakeOwner struct {
	removed  []tcpip.FourTuple
	accepted []*TCB
}

func (f *fakeOwner) removeTCB(tuple tcpip.FourTuple) { f.removed = append(f.removed, tuple) }
func (f *fakeOwner) accepted(t *TCB)                 { f.accepted = append(f.accepted, t) }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testTuple() tcpip.FourTuple {
	return tcpip.FourTuple{
		Remote: tcpip.Endpoint{Addr: tcpip.AddressFrom4(10, 0, 0, 2), Port: 50000},
		Local:  tcpip.Endpoint{Addr: tcpip.AddressFrom4(10, 0, 0, 1), Port: 80},
	}
}

// handshake brings a fresh passive TCB from LISTEN's implicit
// SYN_RECEIVED through to ESTABLISHED, mirroring a client completing
// the three-way handshake.
func handshake(t *testing.T) (*TCB, *fakeSender, *fakeOwner) {
	t.Helper()
	sndr := &fakeSender{}
	owner := &fakeOwner{}
	tuple := testTuple()

	clientISN := uint32(1000)
	tcb := newPassive(tuple, segment{SeqNum: clientISN, Flags: header.TCPFlagSYN, Window: 65535}, sndr, owner, testLog())

	if tcb.State() != StateSynReceived {
		t.Fatalf("state after newPassive = %s, want SYN_RECEIVED", tcb.State())
	}
	synAck := sndr.last()
	if synAck.flags&(header.TCPFlagSYN|header.TCPFlagACK) == 0 {
		t.Fatalf("newPassive did not emit SYN|ACK: flags=%#x", synAck.flags)
	}

	serverISN := synAck.seq
	tcb.HandleSegment(segment{SeqNum: clientISN + 1, AckNum: serverISN + 1, Flags: header.TCPFlagACK, Window: 65535})
	if tcb.State() != StateEstablished {
		t.Fatalf("state after handshake ACK = %s, want ESTABLISHED", tcb.State())
	}
	if len(owner.accepted) != 1 || owner.accepted[0] != tcb {
		t.Fatalf("owner.accepted not called with the established TCB")
	}
	return tcb, sndr, owner
}

func TestNewPassiveEmitsSynAck(t *testing.T) {
	handshake(t)
}

func TestDataBufferedWithoutReaderDoesNotAdvanceRcvNext(t *testing.T) {
	tcb, _, _ := handshake(t)
	rcvNextBefore := tcb.recv.next

	tcb.HandleSegment(segment{
		SeqNum: rcvNextBefore,
		AckNum: tcb.send.unack,
		Flags:  header.TCPFlagACK,
		Window: 65535,
		Payload: []byte("hello"),
	})

	if tcb.recv.next != rcvNextBefore {
		t.Fatalf("rcv.next advanced to %d from %d on buffered-only delivery (no reader was waiting)", tcb.recv.next, rcvNextBefore)
	}
	if tcb.recv.queue.Len() != len("hello") {
		t.Fatalf("recv.queue.Len() = %d, want %d", tcb.recv.queue.Len(), len("hello"))
	}
}

func TestDataDeliveredToPendingReaderAdvancesRcvNext(t *testing.T) {
	tcb, sndr, _ := handshake(t)
	rcvNextBefore := tcb.recv.next

	buf := make([]byte, 16)
	var got int
	tcb.ReadAsync(buf, func(n int, err error) { got = n })
	if tcb.pendingReader == nil {
		t.Fatalf("ReadAsync with nothing buffered did not park a reader")
	}

	tcb.HandleSegment(segment{
		SeqNum:  rcvNextBefore,
		AckNum:  tcb.send.unack,
		Flags:   header.TCPFlagACK,
		Window:  65535,
		Payload: []byte("hello"),
	})

	if got != len("hello") {
		t.Fatalf("reader callback got n=%d, want %d", got, len("hello"))
	}
	if tcb.recv.next != rcvNextBefore+uint32(len("hello")) {
		t.Fatalf("rcv.next = %d, want %d (direct reader delivery must advance it)", tcb.recv.next, rcvNextBefore+5)
	}
	last := sndr.last()
	if last.flags&header.TCPFlagACK == 0 || last.ack != tcb.recv.next {
		t.Fatalf("no ACK reflecting the new rcv.next was sent: %+v", last)
	}
}

func TestPendingReaderBufferTooSmallReturnsEOverflow(t *testing.T) {
	tcb, _, _ := handshake(t)
	rcvNextBefore := tcb.recv.next

	buf := make([]byte, 3)
	var gotN int
	var gotErr error
	tcb.ReadAsync(buf, func(n int, err error) { gotN, gotErr = n, err })

	tcb.HandleSegment(segment{
		SeqNum:  rcvNextBefore,
		AckNum:  tcb.send.unack,
		Flags:   header.TCPFlagACK,
		Window:  65535,
		Payload: []byte("hello"),
	})

	if !errors.Is(gotErr, unix.EOVERFLOW) {
		t.Fatalf("reader callback err = %v, want unix.EOVERFLOW", gotErr)
	}
	if gotN != 0 {
		t.Fatalf("reader callback n = %d, want 0 on overflow", gotN)
	}
	if tcb.recv.next != rcvNextBefore {
		t.Fatalf("rcv.next advanced to %d from %d on an overflowed read", tcb.recv.next, rcvNextBefore)
	}
	if tcb.recv.queue.Len() != len("hello") {
		t.Fatalf("recv.queue.Len() = %d, want the segment left queued for a retry", tcb.recv.queue.Len())
	}
}

func TestQueuedDataTooLargeForReadReturnsEOverflow(t *testing.T) {
	tcb, _, _ := handshake(t)
	rcvNextBefore := tcb.recv.next

	tcb.HandleSegment(segment{
		SeqNum:  rcvNextBefore,
		AckNum:  tcb.send.unack,
		Flags:   header.TCPFlagACK,
		Window:  65535,
		Payload: []byte("hello"),
	})
	if tcb.recv.queue.Len() != len("hello") {
		t.Fatalf("recv.queue.Len() = %d, want %d buffered", tcb.recv.queue.Len(), len("hello"))
	}

	buf := make([]byte, 3)
	var gotErr error
	tcb.ReadAsync(buf, func(n int, err error) { gotErr = err })

	if !errors.Is(gotErr, unix.EOVERFLOW) {
		t.Fatalf("ReadAsync err = %v, want unix.EOVERFLOW", gotErr)
	}
	if tcb.recv.queue.Len() != len("hello") {
		t.Fatalf("recv.queue.Len() = %d, want the queued data left intact after an overflowed read", tcb.recv.queue.Len())
	}
}

func TestFinFromEstablishedGoesToCloseWait(t *testing.T) {
	// A deliberate correction vs. the C++ original's fallthrough chain,
	// which routes this case to TIME_WAIT instead.
	tcb, _, _ := handshake(t)
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: tcb.send.unack,
		Flags:  header.TCPFlagFIN | header.TCPFlagACK,
		Window: 65535,
	})
	if tcb.State() != StateCloseWait {
		t.Fatalf("state after peer FIN from ESTABLISHED = %s, want CLOSE_WAIT", tcb.State())
	}
}

func TestActiveCloseThenPeerFinIsSimultaneousClose(t *testing.T) {
	tcb, _, _ := handshake(t)
	tcb.Close()
	if tcb.State() != StateFinWait1 {
		t.Fatalf("state after Close() = %s, want FIN_WAIT_1", tcb.State())
	}

	// Peer's FIN arrives before our own FIN has been acked.
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: tcb.send.unack,
		Flags:  header.TCPFlagFIN | header.TCPFlagACK,
		Window: 65535,
	})
	if tcb.State() != StateClosing {
		t.Fatalf("state after simultaneous FIN = %s, want CLOSING", tcb.State())
	}
}

func TestActiveCloseAckThenFinReachesTimeWait(t *testing.T) {
	tcb, _, _ := handshake(t)
	tcb.Close()
	finSeq := tcb.finSeq

	// Peer acks our FIN first.
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: finSeq + 1,
		Flags:  header.TCPFlagACK,
		Window: 65535,
	})
	if tcb.State() != StateFinWait2 {
		t.Fatalf("state after our FIN acked = %s, want FIN_WAIT_2", tcb.State())
	}

	// Then the peer's own FIN arrives.
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: finSeq + 1,
		Flags:  header.TCPFlagFIN | header.TCPFlagACK,
		Window: 65535,
	})
	if tcb.State() != StateTimeWait {
		t.Fatalf("state after peer FIN in FIN_WAIT_2 = %s, want TIME_WAIT", tcb.State())
	}
}

func TestDuplicateAckDoesNotOverAdvanceSendQueue(t *testing.T) {
	tcb, _, _ := handshake(t)
	if _, err := tcb.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	queueLenBefore := tcb.send.queue.Len()
	unackBefore := tcb.send.unack

	// A stale/duplicate ACK older than send.unack must not advance the
	// ring at all (it must not wrap to a huge unsigned delta either).
	staleAck := unackBefore - 1
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: staleAck,
		Flags:  header.TCPFlagACK,
		Window: 65535,
	})

	if tcb.send.unack != unackBefore {
		t.Fatalf("send.unack moved from %d to %d on a stale ACK", unackBefore, tcb.send.unack)
	}
	if tcb.send.queue.Len() != queueLenBefore {
		t.Fatalf("send.queue.Len() = %d, want unchanged %d after stale ACK", tcb.send.queue.Len(), queueLenBefore)
	}
}

func TestUnacceptableSegmentGetsBareAck(t *testing.T) {
	tcb, sndr, _ := handshake(t)
	before := len(sndr.sent)

	// Far outside the receive window.
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next + uint32(defaultReceiveWindow) + 1000,
		AckNum: tcb.send.unack,
		Flags:  header.TCPFlagACK,
		Window: 65535,
	})

	if len(sndr.sent) != before+1 {
		t.Fatalf("unacceptable segment produced %d replies, want exactly 1", len(sndr.sent)-before)
	}
	reply := sndr.last()
	if len(reply.payload) != 0 || reply.flags != header.TCPFlagACK {
		t.Fatalf("reply to unacceptable segment = %+v, want a bare ACK", reply)
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state changed to %s in response to an unacceptable segment", tcb.State())
	}
}

func TestRstTearsDownConnection(t *testing.T) {
	tcb, _, owner := handshake(t)
	tcb.HandleSegment(segment{
		SeqNum: tcb.recv.next,
		AckNum: tcb.send.unack,
		Flags:  header.TCPFlagRST,
		Window: 65535,
	})
	if tcb.State() != StateClosed {
		t.Fatalf("state after RST = %s, want CLOSED", tcb.State())
	}
	if len(owner.removed) != 1 {
		t.Fatalf("owner.removeTCB called %d times, want 1", len(owner.removed))
	}
}

func TestNewActiveEmitsBareSyn(t *testing.T) {
	sndr := &fakeSender{}
	owner := &fakeOwner{}
	var established *TCB
	tcb := newActive(testTuple(), sndr, owner, testLog(), func(t *TCB) { established = t })

	if tcb.State() != StateSynSent {
		t.Fatalf("state after newActive = %s, want SYN_SENT", tcb.State())
	}
	syn := sndr.last()
	if syn.flags != header.TCPFlagSYN {
		t.Fatalf("newActive's first segment flags = %#x, want bare SYN", syn.flags)
	}

	serverISN := uint32(5000)
	tcb.HandleSegment(segment{SeqNum: serverISN, AckNum: syn.seq + 1, Flags: header.TCPFlagSYN | header.TCPFlagACK, Window: 65535})

	if tcb.State() != StateEstablished {
		t.Fatalf("state after SYN|ACK = %s, want ESTABLISHED", tcb.State())
	}
	if established != tcb {
		t.Fatalf("onEstablished callback was not invoked with the completed TCB")
	}
	if len(owner.accepted) != 0 {
		t.Fatalf("owner.accepted was called for an active-open TCB; onEstablished should have been used instead")
	}
}
