// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"bytes"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/xerrors"
)

func TestSerialOpen(t *testing.T) {
	dev, err := serialOpenImpl(filepath.Join(t.TempDir(), "ttyNONE"), DefaultBaudRate)
	if err == nil {
		_ = dev.Close()
	}
}

type fakePort struct {
	bytes.Buffer
	timeout time.Duration
	terr    error
	closed  bool
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return p.terr
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestOpen(t *testing.T) {
	var (
		fp   fakePort
		baud int
	)
	serialOpen = func(name string, b int) (port, error) {
		baud = b
		return &fp, nil
	}
	defer func() {
		serialOpen = serialOpenImpl
	}()

	dir := lockDir
	lockDir = t.TempDir()
	defer func() {
		lockDir = dir
	}()

	c, err := Open("/dev/ttyFAKE0",
		WithBaudRate(9600),
		WithTimeout(time.Second),
		WithMode(Framed),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("could not open connection: %+v", err)
	}

	if got, want := baud, 9600; got != want {
		t.Fatalf("invalid baud rate: got=%d, want=%d", got, want)
	}
	if got, want := fp.timeout, time.Second; got != want {
		t.Fatalf("invalid read timeout: got=%v, want=%v", got, want)
	}
	if got, want := c.dec.Mode(), Framed; got != want {
		t.Fatalf("invalid mode: got=%v, want=%v", got, want)
	}

	_, err = Open("/dev/ttyFAKE0")
	if err == nil {
		t.Fatalf("expected an error opening a locked device")
	}

	err = c.Send(OpStopRun, EventPSOC)
	if err != nil {
		t.Fatalf("could not send command: %+v", err)
	}
	if got, want := fp.Bytes(), Command(OpStopRun, EventPSOC, 0); !bytes.Equal(got, want) {
		t.Fatalf("invalid command:\ngot= %q\nwant=%q", got, want)
	}

	err = c.Close()
	if err != nil {
		t.Fatalf("could not close connection: %+v", err)
	}
	if !fp.closed {
		t.Fatalf("serial port not closed")
	}

	// lock is released.
	c, err = Open("/dev/ttyFAKE0", WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not re-open connection: %+v", err)
	}
	_ = c.Close()

	fp.terr = io.ErrClosedPipe
	_, err = Open("/dev/ttyFAKE1")
	if got, want := err, xerrors.Errorf("psoc: could not set read timeout to %v: %w", DefaultTimeout, io.ErrClosedPipe); got == nil || got.Error() != want.Error() {
		t.Fatalf("invalid error:\ngot= %v\nwant=%v", got, want)
	}
}
