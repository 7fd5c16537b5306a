// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedev holds a scripted in-memory PSOC pair, to test clients
// of the psoc package without hardware.
package fakedev // import "github.com/go-lpc/aesop/internal/fakedev"

import (
	"bytes"
	"sync"
	"time"

	"github.com/go-lpc/aesop/psoc"
	"golang.org/x/xerrors"
)

// Cmd is a command received by the device.
type Cmd struct {
	Op   uint8
	Addr psoc.Addr
	Args []byte
}

// Handler returns the packets the device sends back after receiving cmd.
type Handler func(cmd Cmd) []psoc.Packet

// Device is a fake serial link to the PSOCs.
//
// Reads from an empty device return no data and no error, as a serial
// port does on a read timeout.
type Device struct {
	mu   sync.Mutex
	mode psoc.Mode
	h    Handler

	wbuf []byte
	rbuf bytes.Buffer
	cur  *Cmd
	narg int
	cmds []Cmd

	closed bool
}

// New returns a device replying to commands with h.
// A nil handler never replies.
func New(mode psoc.Mode, h Handler) *Device {
	if h == nil {
		h = func(Cmd) []psoc.Packet { return nil }
	}
	return &Device{mode: mode, h: h}
}

// Push queues unsolicited packets.
func (dev *Device) Push(pkts ...psoc.Packet) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.push(pkts)
}

// PushRaw queues raw bytes.
func (dev *Device) PushRaw(p []byte) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.rbuf.Write(p)
}

func (dev *Device) push(pkts []psoc.Packet) {
	for _, pkt := range pkts {
		dev.rbuf.Write(psoc.AppendPacket(nil, pkt, dev.mode))
	}
}

// Commands returns the commands received so far.
func (dev *Device) Commands() []Cmd {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]Cmd(nil), dev.cmds...)
}

// Closed reports whether the device was closed.
func (dev *Device) Closed() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.closed
}

func (dev *Device) Read(p []byte) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return 0, xerrors.Errorf("fakedev: read on closed device")
	}
	if dev.rbuf.Len() == 0 {
		return 0, nil
	}
	return dev.rbuf.Read(p)
}

func (dev *Device) Write(p []byte) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return 0, xerrors.Errorf("fakedev: write on closed device")
	}

	dev.wbuf = append(dev.wbuf, p...)
	for len(dev.wbuf) >= len(psoc.Command(0, 0, 0)) {
		n := len(psoc.Command(0, 0, 0))
		v, ab, err := psoc.ParseFrame(dev.wbuf[:n])
		if err != nil {
			return 0, xerrors.Errorf("fakedev: could not parse frame: %w", err)
		}
		dev.wbuf = dev.wbuf[n:]

		addr, i := psoc.UnpackAddr(ab)
		switch {
		case dev.cur == nil:
			dev.cur = &Cmd{Op: v, Addr: addr, Args: []byte{}}
			dev.narg = i
			dev.pending()
		default:
			if addr != dev.cur.Addr || i != len(dev.cur.Args)+1 {
				return 0, xerrors.Errorf(
					"fakedev: invalid data byte (addr=%v, seq=%d) for command 0x%02x",
					addr, i, dev.cur.Op,
				)
			}
			dev.cur.Args = append(dev.cur.Args, v)
			dev.pending()
		}
	}
	return len(p), nil
}

// pending dispatches the current command once all its arguments arrived.
func (dev *Device) pending() {
	if len(dev.cur.Args) < dev.narg {
		return
	}
	cmd := *dev.cur
	dev.cur = nil
	dev.cmds = append(dev.cmds, cmd)
	dev.push(dev.h(cmd))
}

func (dev *Device) SetReadTimeout(time.Duration) error { return nil }

func (dev *Device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.closed = true
	return nil
}
