// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

const (
	recLen   = 9 // 'S' + 2 hex digits + 2 hex digits + " xyW"
	nCopies  = 3
	frameLen = nCopies*recLen + 2

	// MaxArgs is the maximum number of data bytes following a command.
	MaxArgs = 15
)

const hexDigits = "0123456789abcdef"

// Command returns the wire frame of the command op, sent to the PSOC at
// addr and announcing n data bytes.
//
// The second byte of the record packs the address and the argument count:
//
//	bit  7-6: n bits 3-2
//	bit  5-2: addr
//	bit  1-0: n bits 1-0
func Command(op uint8, addr Addr, n int) []byte {
	ab := ((n & 0x0c) << 4) | ((int(addr) & 0x0f) << 2) | (n & 0x03)
	return frame(op, uint8(ab))
}

// Data returns the wire frame carrying the data byte v, the seq-th
// (1-based) argument of the current command sent to addr.
func Data(v uint8, addr Addr, seq int) []byte {
	ab := ((int(addr) & 0x0f) << 2) | ((seq & 0x0c) << 4) | (seq & 0x03)
	return frame(v, uint8(ab))
}

func frame(v, ab uint8) []byte {
	rec := [recLen]byte{
		'S',
		hexDigits[v>>4], hexDigits[v&0x0f],
		hexDigits[ab>>4], hexDigits[ab&0x0f],
		' ', 'x', 'y', 'W',
	}
	buf := make([]byte, 0, frameLen)
	for i := 0; i < nCopies; i++ {
		buf = append(buf, rec[:]...)
	}
	return append(buf, '\r', '\n')
}

// ParseFrame decodes a frame built by Command or Data.
// It returns the payload byte and the packed address byte.
func ParseFrame(p []byte) (v, ab uint8, err error) {
	if len(p) != frameLen {
		return 0, 0, xerrors.Errorf("psoc: invalid frame length (got=%d, want=%d)", len(p), frameLen)
	}
	if p[frameLen-2] != '\r' || p[frameLen-1] != '\n' {
		return 0, 0, xerrors.Errorf("psoc: invalid frame terminator (got=%q)", p[frameLen-2:])
	}
	rec := p[:recLen]
	for i := 1; i < nCopies; i++ {
		if cpy := p[i*recLen : (i+1)*recLen]; !bytes.Equal(cpy, rec) {
			return 0, 0, xerrors.Errorf("psoc: frame copy %d differs (got=%q, want=%q)", i, cpy, rec)
		}
	}
	if rec[0] != 'S' || string(rec[5:]) != " xyW" {
		return 0, 0, xerrors.Errorf("psoc: invalid frame record %q", rec)
	}

	var digits [4]uint8
	for i, c := range rec[1:5] {
		j := strings.IndexByte(hexDigits, c)
		if j < 0 {
			return 0, 0, xerrors.Errorf("psoc: invalid hex digit %q in frame record %q", c, rec)
		}
		digits[i] = uint8(j)
	}
	v = digits[0]<<4 | digits[1]
	ab = digits[2]<<4 | digits[3]
	return v, ab, nil
}

// UnpackAddr splits a packed address byte into the PSOC address and the
// argument count (for a command) or sequence index (for a data byte).
func UnpackAddr(ab uint8) (addr Addr, n int) {
	addr = Addr((ab >> 2) & 0x0f)
	n = int((ab>>4)&0x0c) | int(ab&0x03)
	return addr, n
}

// Encoder writes commands to an underlying writer.
type Encoder struct {
	w   io.Writer
	err error
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes the command op for the PSOC at addr, followed by one data
// frame per argument.
func (enc *Encoder) Send(op uint8, addr Addr, args ...uint8) error {
	if len(args) > MaxArgs {
		return xerrors.Errorf(
			"psoc: too many data bytes for command 0x%02x (got=%d, max=%d)",
			op, len(args), MaxArgs,
		)
	}
	enc.err = nil

	enc.write(Command(op, addr, len(args)))
	if enc.err != nil {
		return xerrors.Errorf("psoc: could not write command 0x%02x to %v: %w", op, addr, enc.err)
	}

	for i, v := range args {
		enc.write(Data(v, addr, i+1))
		if enc.err != nil {
			return xerrors.Errorf(
				"psoc: could not write data byte %d of command 0x%02x to %v: %w",
				i+1, op, addr, enc.err,
			)
		}
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	n, err := enc.w.Write(p)
	switch {
	case err != nil:
		enc.err = err
	case n != len(p):
		enc.err = io.ErrShortWrite
	}
}

// AppendPacket appends the wire representation of pkt, laid out
// according to mode, to dst.
// Padding bytes are filled with 0x01, 0x02 as done by the firmware.
func AppendPacket(dst []byte, pkt Packet, mode Mode) []byte {
	n := pkt.Len()
	payload := make([]byte, 0, n+padding(n))
	payload = append(payload, pkt.Echo...)
	payload = append(payload, pkt.Data...)
	for i := 0; i < padding(n); i++ {
		payload = append(payload, uint8(i+1))
	}

	dst = append(dst, pktHeader[:]...)
	dst = append(dst, uint8(n), uint8(pkt.Tag), uint8(len(pkt.Echo)))
	switch mode {
	case Framed:
		dst = append(dst, pktTrailer[:]...)
		for i := 0; i < len(payload); i += chunkLen {
			dst = append(dst, pktHeader[:]...)
			dst = append(dst, payload[i:i+chunkLen]...)
			dst = append(dst, pktTrailer[:]...)
		}
	default:
		dst = append(dst, payload...)
		dst = append(dst, pktTrailer[:]...)
	}
	return dst
}
