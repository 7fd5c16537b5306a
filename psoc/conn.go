// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/xerrors"
)

const (
	DefaultBaudRate = 115200
	DefaultTimeout  = 200 * time.Millisecond
)

type port interface {
	SetReadTimeout(t time.Duration) error

	io.Reader
	io.Writer
	io.Closer
}

var (
	serialOpen = serialOpenImpl
)

func serialOpenImpl(name string, baud int) (port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type config struct {
	msg     *log.Logger
	baud    int
	timeout time.Duration
	mode    Mode
	bound   int
}

func newConfig() config {
	return config{
		msg:     log.New(os.Stdout, "psoc: ", 0),
		baud:    DefaultBaudRate,
		timeout: DefaultTimeout,
		mode:    Contiguous,
		bound:   DefaultScanBound,
	}
}

// Option configures a connection.
type Option func(*config)

// WithBaudRate sets the serial link speed.
func WithBaudRate(baud int) Option {
	return func(cfg *config) {
		cfg.baud = baud
	}
}

// WithTimeout sets the timeout of each primitive read.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = timeout
	}
}

// WithMode sets the payload layout of inbound packets.
func WithMode(mode Mode) Option {
	return func(cfg *config) {
		cfg.mode = mode
	}
}

// WithScanBound sets the number of reads attempted while looking for a
// packet sentinel.
func WithScanBound(n int) Option {
	return func(cfg *config) {
		cfg.bound = n
	}
}

// WithLogger sets the logger used to report anomalies and unsolicited
// records.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// Conn is the connection to the PSOC boards.
//
// A Conn serializes exchanges: at most one command/response (or one
// Session) is in flight at any given time.
type Conn struct {
	mu  sync.Mutex
	msg *log.Logger
	dev io.ReadWriter
	cls []func() error

	enc *Encoder
	dec *Decoder
}

// Open opens the serial device name.
// The device is locked for the lifetime of the connection.
func Open(name string, opts ...Option) (*Conn, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	unlock, err := lockDevice(name)
	if err != nil {
		return nil, xerrors.Errorf("psoc: could not lock device %q: %w", name, err)
	}

	dev, err := serialOpen(name, cfg.baud)
	if err != nil {
		_ = unlock()
		return nil, xerrors.Errorf("psoc: could not open serial device %q (baud=%d): %w", name, cfg.baud, err)
	}

	err = dev.SetReadTimeout(cfg.timeout)
	if err != nil {
		_ = dev.Close()
		_ = unlock()
		return nil, xerrors.Errorf("psoc: could not set read timeout to %v: %w", cfg.timeout, err)
	}

	c := newConn(dev, cfg)
	c.cls = append(c.cls, dev.Close, unlock)
	return c, nil
}

// NewConn creates a connection exchanging packets over rw.
// A read returning no data is interpreted as a read timeout.
func NewConn(rw io.ReadWriter, opts ...Option) *Conn {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newConn(rw, cfg)
}

func newConn(rw io.ReadWriter, cfg config) *Conn {
	dec := NewDecoder(rw, cfg.mode)
	dec.SetScanBound(cfg.bound)
	dec.SetLogger(cfg.msg)

	return &Conn{
		msg: cfg.msg,
		dev: rw,
		enc: NewEncoder(rw),
		dec: dec,
	}
}

// Close releases the underlying device.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for _, f := range c.cls {
		if e := f(); e != nil && err == nil {
			err = e
		}
	}
	c.cls = nil
	if err != nil {
		return xerrors.Errorf("psoc: could not close connection: %w", err)
	}
	return nil
}

// Session holds exclusive access to a connection.
type Session struct {
	c *Conn
}

// Session runs f with exclusive access to the connection.
func (c *Conn) Session(f func(s *Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(&Session{c: c})
}

// Send sends the command op to the PSOC at addr, without waiting for a
// reply.
func (c *Conn) Send(op uint8, addr Addr, args ...uint8) error {
	return c.Session(func(s *Session) error {
		return s.Send(op, addr, args...)
	})
}

// Exchange sends the command op to the PSOC at addr and returns its reply.
func (c *Conn) Exchange(op uint8, addr Addr, args ...uint8) (Packet, error) {
	var pkt Packet
	err := c.Session(func(s *Session) error {
		var err error
		pkt, err = s.Exchange(op, addr, args...)
		return err
	})
	return pkt, err
}

// ReadErrors retrieves and clears the error queue of the PSOC at addr.
func (c *Conn) ReadErrors(addr Addr) ([]ErrorEntry, error) {
	var errs []ErrorEntry
	err := c.Session(func(s *Session) error {
		var err error
		errs, err = s.ReadErrors(addr)
		return err
	})
	return errs, err
}

// Logger returns the logger of the connection.
func (s *Session) Logger() *log.Logger { return s.c.msg }

// SetScanBound sets the number of reads attempted while looking for a
// packet sentinel and returns the previous bound.
func (s *Session) SetScanBound(n int) int {
	old := s.c.dec.bound
	s.c.dec.SetScanBound(n)
	return old
}

// Send sends the command op to the PSOC at addr.
func (s *Session) Send(op uint8, addr Addr, args ...uint8) error {
	return s.c.enc.Send(op, addr, args...)
}

// ReadPacket returns the next reply packet, skipping unsolicited records.
func (s *Session) ReadPacket() (Packet, error) {
	return s.c.dec.ReadPacket()
}

// ReadAny returns the next packet, whatever its tag.
func (s *Session) ReadAny() (Packet, error) {
	return s.c.dec.ReadAny()
}

// Exchange sends the command op to the PSOC at addr and returns its reply.
// When no reply could be found on the link, the error queue of the PSOC
// is drained before the error is returned.
func (s *Session) Exchange(op uint8, addr Addr, args ...uint8) (Packet, error) {
	err := s.Send(op, addr, args...)
	if err != nil {
		return Packet{}, err
	}

	pkt, err := s.ReadPacket()
	if err != nil {
		if xerrors.Is(err, ErrSyncLost) && addr > 0 {
			s.DrainErrors(addr)
		}
		return pkt, xerrors.Errorf("psoc: could not read reply to command 0x%02x: %w", op, err)
	}

	if pkt.Tag != Tag(op) {
		return pkt, xerrors.Errorf(
			"psoc: reply to command 0x%02x has tag %v: %w",
			op, pkt.Tag, ErrUnknownTag,
		)
	}
	return pkt, nil
}

// ReadErrors retrieves and clears the error queue of the PSOC at addr.
func (s *Session) ReadErrors(addr Addr) ([]ErrorEntry, error) {
	err := s.Send(OpReadErrors, addr)
	if err != nil {
		return nil, err
	}
	pkt, err := s.ReadPacket()
	if err != nil {
		return nil, xerrors.Errorf("psoc: could not read error queue of %v: %w", addr, err)
	}
	if pkt.Tag != Tag(OpReadErrors) {
		return nil, xerrors.Errorf(
			"psoc: reply to command 0x%02x has tag %v: %w",
			OpReadErrors, pkt.Tag, ErrUnknownTag,
		)
	}
	return DecodeErrors(pkt.Data), nil
}

// DrainErrors retrieves the error queue of the PSOC at addr and logs it.
func (s *Session) DrainErrors(addr Addr) {
	errs, err := s.ReadErrors(addr)
	if err != nil {
		s.c.msg.Printf("could not drain errors: %+v", err)
		return
	}
	if len(errs) == 0 {
		s.c.msg.Printf("readErrors for %v: no errors encountered.", addr)
		return
	}
	for _, e := range errs {
		s.c.msg.Printf("readErrors for %v: code=%d info=0x%02x 0x%02x", addr, e.Code, e.Info1, e.Info2)
	}
}
