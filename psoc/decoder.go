// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/xerrors"
)

// Mode describes how the payload of a packet is laid out on the link.
type Mode uint8

const (
	// Contiguous packets carry their payload as one block between the
	// header and the trailer.
	Contiguous Mode = iota

	// Framed packets wrap the header and each 3-byte payload chunk
	// into their own 0xDC 0x00 0xFF ... 0xFF 0x00 0xFF frame.
	Framed
)

func (m Mode) String() string {
	switch m {
	case Contiguous:
		return "contiguous"
	case Framed:
		return "framed"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode returns the mode named s.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "contiguous":
		return Contiguous, nil
	case "framed":
		return Framed, nil
	}
	return 0, xerrors.Errorf("psoc: invalid decode mode %q", s)
}

// Decoder reads packets from an underlying byte stream.
type Decoder struct {
	r   io.Reader
	msg *log.Logger
	buf []byte
	err error

	mode  Mode
	bound int

	// OnAsync, when set, is called with each unsolicited record
	// ReadPacket skips. Otherwise the record is decoded and logged.
	OnAsync func(pkt Packet)
}

// NewDecoder creates a decoder reading packets laid out according to mode
// from r.
func NewDecoder(r io.Reader, mode Mode) *Decoder {
	return &Decoder{
		r:     r,
		msg:   log.New(os.Stdout, "psoc: ", 0),
		buf:   make([]byte, 9),
		mode:  mode,
		bound: DefaultScanBound,
	}
}

// SetScanBound sets the number of reads attempted while looking for a
// packet sentinel. Values <= 0 select DefaultScanBound.
func (dec *Decoder) SetScanBound(n int) {
	if n <= 0 {
		n = DefaultScanBound
	}
	dec.bound = n
}

// SetLogger sets the logger anomalies are reported to.
func (dec *Decoder) SetLogger(msg *log.Logger) {
	dec.msg = msg
}

// Mode returns the payload layout expected by the decoder.
func (dec *Decoder) Mode() Mode { return dec.mode }

// ReadPacket returns the next reply packet.
// Unsolicited records read along the way are reported and discarded.
func (dec *Decoder) ReadPacket() (Packet, error) {
	for {
		pkt, err := dec.ReadAny()
		if err != nil {
			return pkt, err
		}

		switch pkt.Tag.Kind() {
		case KindAsync:
			dec.async(pkt)
			continue
		case KindUnknown:
			return pkt, xerrors.Errorf("psoc: packet tagged 0x%02x (len=%d): %w",
				uint8(pkt.Tag), pkt.Len(), ErrUnknownTag,
			)
		}
		return pkt, nil
	}
}

// ReadAny returns the next packet, whatever its tag.
func (dec *Decoder) ReadAny() (Packet, error) {
	dec.err = nil

	err := dec.scan()
	if err != nil {
		return Packet{}, err
	}

	var hdr [2]byte
	dec.read(hdr[:])
	if dec.err != nil {
		return Packet{}, xerrors.Errorf("psoc: could not read packet header: %w", dec.err)
	}
	if hdr != [2]byte{pktHeader[1], pktHeader[2]} {
		return Packet{}, xerrors.Errorf(
			"psoc: invalid packet header (got=0xdc%02x%02x, want=0xdc00ff): %w",
			hdr[0], hdr[1], ErrMalformedHeader,
		)
	}

	var (
		n   = int(dec.readU8())
		tag = Tag(dec.readU8())
		ne  = int(dec.readU8())
	)
	if dec.err != nil {
		return Packet{}, xerrors.Errorf("psoc: could not read packet length/tag: %w", dec.err)
	}
	if ne > n {
		return Packet{}, xerrors.Errorf(
			"psoc: packet %v declares %d echo bytes for %d bytes: %w",
			tag, ne, n, ErrMalformedHeader,
		)
	}
	if tag.Async() && ne != 0 {
		dec.anomaly("%v packet with %d command bytes", tag, ne)
	}

	var payload []byte
	switch dec.mode {
	case Framed:
		payload = dec.readFramed(tag, n)
	default:
		payload = dec.readContiguous(tag, n)
	}
	if dec.err != nil {
		if xerrors.Is(dec.err, io.EOF) {
			dec.err = io.ErrUnexpectedEOF
		}
		return Packet{}, xerrors.Errorf(
			"psoc: could not read payload of %v packet (len=%d): %w",
			tag, n, dec.err,
		)
	}

	pkt := Packet{
		Tag:  tag,
		Echo: payload[:ne:ne],
		Data: payload[ne:n:n],
	}
	return pkt, nil
}

func (dec *Decoder) readContiguous(tag Tag, n int) []byte {
	payload := make([]byte, n+padding(n))
	dec.read(payload)
	dec.trailer(tag)
	return payload
}

func (dec *Decoder) readFramed(tag Tag, n int) []byte {
	dec.trailer(tag) // closes the header frame

	var (
		nchunks = (n + chunkLen - 1) / chunkLen
		payload = make([]byte, nchunks*chunkLen)
		hdr     = dec.buf[:hdrLen]
	)
	for i := 0; i < nchunks; i++ {
		dec.read(hdr)
		if dec.err != nil {
			break
		}
		if !bytes.Equal(hdr, pktHeader[:]) {
			dec.anomaly("%v packet: invalid header for chunk %d (got=0x%x)", tag, i, hdr)
		}
		dec.read(payload[i*chunkLen : (i+1)*chunkLen])
		dec.trailer(tag)
	}
	return payload
}

// trailer consumes a 3-byte trailer. A mismatch is reported but does not
// prevent the packet from being delivered.
func (dec *Decoder) trailer(tag Tag) {
	p := dec.buf[:trailerLen]
	dec.read(p)
	if dec.err != nil {
		return
	}
	if !bytes.Equal(p, pktTrailer[:]) {
		dec.msg.Printf("%v", xerrors.Errorf(
			"%v packet: got=0x%x, want=0xff00ff: %w", tag, p, ErrMalformedTrailer,
		))
	}
}

// scan consumes bytes until the packet sentinel.
func (dec *Decoder) scan() error {
	p := dec.buf[:1]
	for i := 0; i < dec.bound; i++ {
		n, err := dec.r.Read(p)
		if n == 1 {
			if p[0] == sentinel {
				return nil
			}
			dec.anomaly("expected 0x%02x, got 0x%02x", sentinel, p[0])
			continue
		}
		switch {
		case err == nil, xerrors.Is(err, ErrTimeout):
			// empty read.
		default:
			return err
		}
	}
	return xerrors.Errorf("psoc: could not find packet sentinel after %d reads: %w", dec.bound, ErrSyncLost)
}

// read fills p. A read returning no byte and no error is a link timeout.
func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	for n := 0; n < len(p); {
		nn, err := dec.r.Read(p[n:])
		n += nn
		switch {
		case err != nil:
			dec.err = err
			return
		case nn == 0:
			dec.err = ErrTimeout
			return
		}
	}
}

func (dec *Decoder) readU8() uint8 {
	p := dec.buf[:1]
	dec.read(p)
	return p[0]
}

func (dec *Decoder) anomaly(format string, args ...interface{}) {
	dec.msg.Printf("anomaly: "+format, args...)
}

func (dec *Decoder) async(pkt Packet) {
	if dec.OnAsync != nil {
		dec.OnAsync(pkt)
		return
	}
	err := Report(dec.msg.Writer(), pkt)
	if err != nil {
		dec.msg.Printf("could not report %v packet: %+v", pkt.Tag, err)
	}
}
