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

// Package device drives the host TUN/TAP character device: it opens
// the device node, reads inbound frames asynchronously, and writes
// queued outbound frames one at a time so frame boundaries are
// preserved.
package device

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/buffer"
)

// Kind selects whether the device captures at L2 (TAP, Ethernet
// framed) or L3 (TUN, bare IP packets).
type Kind int

// Device kinds.
const (
	KindTAP Kind = iota
	KindTUN
)

const (
	ifReqSize = 40 // struct ifreq on Linux.

	iffTUN    = 0x0001
	iffTAP    = 0x0002
	iffNoPI   = 0x1000
	tunSetIff = 0x400454ca // TUNSETIFF
)

// DefaultMTU is the link MTU used when none is configured.
const DefaultMTU = 1500

// Device owns the file descriptor for a TUN/TAP character device. All
// reads and writes go through a single executor goroutine pair
// supervised by the owning stack.Namespace: one read loop,
// one write-drain loop pulling from writeQueue in FIFO order.
type Device struct {
	file *os.File
	fd   int
	Name string
	Kind Kind
	MTU  int

	log *logrus.Entry

	writeQueue chan *buffer.Buffer
	deliver    func(payload []byte, dev *Device)
}

// Config configures Open.
type Config struct {
	// Path is the device node to open, typically /dev/net/tun.
	Path string
	// IfName is the requested interface name; the kernel may append a
	// suffix if empty or already taken.
	IfName string
	Kind   Kind
	MTU    int
	// Deliver is called with each inbound frame's payload and the
	// device it arrived on, as it is read off the device. It is
	// invoked on the device's own read goroutine; the callee must not
	// block.
	Deliver func(payload []byte, dev *Device)
	Log     *logrus.Entry
}

// Open opens the TUN/TAP device node and attaches it to the named
// interface via TUNSETIFF.
func Open(cfg Config) (*Device, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", cfg.Path, err)
	}

	var flags uint16 = iffNoPI
	if cfg.Kind == KindTAP {
		flags |= iffTAP
	} else {
		flags |= iffTUN
	}

	var req [ifReqSize]byte
	copy(req[:16], cfg.IfName)
	req[16] = byte(flags)
	req[17] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req[0]))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("device: TUNSETIFF: %w", errno)
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: set nonblocking: %w", err)
	}

	d := &Device{
		file:       f,
		fd:         int(f.Fd()),
		Name:       ifnameFromReq(req[:]),
		Kind:       cfg.Kind,
		MTU:        cfg.MTU,
		log:        cfg.Log,
		writeQueue: make(chan *buffer.Buffer, 256),
		deliver:    cfg.Deliver,
	}
	return d, nil
}

// OpenWithRetry calls Open, retrying on failure as the backoff
// policy bo dictates.
func OpenWithRetry(cfg Config, bo backoff.BackOff) (*Device, error) {
	var d *Device
	err := backoff.Retry(func() error {
		var err error
		d, err = Open(cfg)
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("device: open with retry: %w", err)
	}
	return d, nil
}

func ifnameFromReq(req []byte) string {
	n := 0
	for n < 16 && req[n] != 0 {
		n++
	}
	return string(req[:n])
}

// Process enqueues buf for transmission. Buffers are written in
// enqueue order, one at a time. Process never blocks the caller beyond the queue's
// capacity; a full queue indicates the device is not draining and is
// the caller's signal to apply backpressure.
func (d *Device) Process(buf *buffer.Buffer) {
	d.writeQueue <- buf
}

// ReadLoop continuously reads inbound frames up to the link MTU and
// invokes Deliver for each. It returns nil once stop is closed and
// never returns on a read error: EAGAIN waits in poll, EINTR retries
// at once, and any other error is logged and reception re-armed.
func (d *Device) ReadLoop(stop <-chan struct{}) error {
	buf := make([]byte, d.MTU+unixMaxLinkHeader)
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if _, perr := unix.Poll(pfd, 100); perr != nil && perr != unix.EINTR {
					d.log.WithError(perr).Warn("device: poll failed")
				}
				continue
			}
			if err == unix.EINTR {
				continue
			}
			// Local I/O failure: log and re-arm reception.
			d.log.WithError(err).Error("device: read failed, re-arming")
			continue
		}
		if n <= 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.deliver(payload, d)
	}
}

// WriteLoop drains writeQueue, writing one queued buffer at a time.
// A write error drops the failed frame and continues;
// it never tears down the loop.
func (d *Device) WriteLoop(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case buf, ok := <-d.writeQueue:
			if !ok {
				return nil
			}
			if _, err := unix.Write(d.fd, buf.Payload()); err != nil {
				d.log.WithError(err).Error("device: write failed, dropping frame")
				continue
			}
		}
	}
}

// Close releases the device file descriptor.
func (d *Device) Close() error {
	close(d.writeQueue)
	return d.file.Close()
}

// unixMaxLinkHeader is extra slack for the Ethernet header when
// operating in TAP mode, since MTU is an L3 concept.
const unixMaxLinkHeader = 18
