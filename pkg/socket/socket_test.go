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

package socket

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/executor"
	"github.com/talismancer/mstack/pkg/header"
	"github.com/talismancer/mstack/pkg/link/ethernet"
	"github.com/talismancer/mstack/pkg/network/arp"
	"github.com/talismancer/mstack/pkg/network/ipv4"
	"github.com/talismancer/mstack/pkg/stack/routetable"
	"github.com/talismancer/mstack/pkg/tcpip"
	"github.com/talismancer/mstack/pkg/transport/tcp"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	eth := ethernet.NewEndpoint(log)
	cache := arp.NewCache()
	resolver := arp.NewResolver(cache, eth, executor.New(16), log)
	routes := routetable.New()
	ip := ipv4.NewEndpoint(eth, resolver, routes, log)
	tcpEP := tcp.NewEndpoint(ip, log)
	return NewTable(tcpEP, log)
}

func TestSocketFDAllocationReusesFreed(t *testing.T) {
	tbl := newTestTable(t)

	a := tbl.Socket(header.ProtocolTCP)
	b := tbl.Socket(header.ProtocolTCP)
	if a == b {
		t.Fatalf("two live sockets got the same fd %d", a)
	}

	if err := tbl.Close(a); err != nil {
		t.Fatalf("Close(%d): %v", a, err)
	}

	c := tbl.Socket(header.ProtocolTCP)
	if c != a {
		t.Fatalf("Socket() after closing fd %d returned %d, want the freed fd reused", a, c)
	}
}

func TestBindThenListenRequiresBind(t *testing.T) {
	tbl := newTestTable(t)
	fd := tbl.Socket(header.ProtocolTCP)

	if err := tbl.Listen(fd, 4); err == nil {
		t.Fatalf("Listen before Bind succeeded, want an error")
	}

	local := tcpip.Endpoint{Addr: tcpip.AddressFrom4(10, 0, 0, 1), Port: 80}
	if err := tbl.Bind(fd, local); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := tbl.Listen(fd, 4); err != nil {
		t.Fatalf("Listen after Bind: %v", err)
	}
	if got := tbl.sockets[fd].State; got != StateListening {
		t.Fatalf("state after Listen = %v, want StateListening", got)
	}
}

func TestBindSamePortTwiceFails(t *testing.T) {
	tbl := newTestTable(t)
	local := tcpip.Endpoint{Addr: tcpip.AddressFrom4(10, 0, 0, 1), Port: 80}

	fd1 := tbl.Socket(header.ProtocolTCP)
	if err := tbl.Bind(fd1, local); err != nil {
		t.Fatalf("first Bind: %v", err)
	}

	fd2 := tbl.Socket(header.ProtocolTCP)
	if err := tbl.Bind(fd2, local); err == nil {
		t.Fatalf("second Bind to the same endpoint succeeded, want an error")
	}
}

func TestReadWriteOnUnconnectedSocketFails(t *testing.T) {
	tbl := newTestTable(t)
	fd := tbl.Socket(header.ProtocolTCP)

	if _, err := tbl.Write(fd, []byte("hi")); err == nil {
		t.Fatalf("Write on an unconnected socket succeeded, want an error")
	}

	done := make(chan struct{})
	tbl.ReadAsync(fd, make([]byte, 4), func(n int, err error) {
		if err == nil {
			t.Errorf("ReadAsync on an unconnected socket succeeded, want an error")
		}
		close(done)
	})
	<-done
}

func TestUnknownFDReturnsENOENT(t *testing.T) {
	tbl := newTestTable(t)

	if _, err := tbl.lookup(999); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("lookup(unknown fd) error = %v, want wrapped unix.ENOENT", err)
	}
	if err := tbl.Close(999); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("Close(unknown fd) error = %v, want wrapped unix.ENOENT", err)
	}
}
