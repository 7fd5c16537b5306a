// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package psoc implements the serial protocol spoken by the main and
// event PSOC micro-controllers of the AESOP front-end electronics.
//
// Commands are sent as ASCII-hex records (see Command and Data).
// Replies and unsolicited records come back as binary packets:
//
//	0xDC 0x00 0xFF | L | tag | N | N echo bytes | L-N data bytes | padding | 0xFF 0x00 0xFF
//
// where the padding makes L+padding a multiple of 3.
package psoc // import "github.com/go-lpc/aesop/psoc"

import "fmt"

// Addr identifies one of the two PSOC micro-controllers.
type Addr uint8

const (
	EventPSOC Addr = 8  // event PSOC: triggers, ADCs, TOF and tracker
	MainPSOC  Addr = 10 // main PSOC: power, backplane, RTC
)

func (a Addr) String() string {
	switch a {
	case EventPSOC:
		return "event-psoc"
	case MainPSOC:
		return "main-psoc"
	}
	return fmt.Sprintf("psoc(%d)", uint8(a))
}

// Command codes of the event PSOC firmware.
const (
	OpReadErrors  uint8 = 0x03
	OpTracker     uint8 = 0x10 // tracker sub-command, first data byte is the FPGA
	OpReadVoltage uint8 = 0x25
	OpStartRun    uint8 = 0x3C
	OpStopRun     uint8 = 0x44
	OpRunCounters uint8 = 0x50
	OpPMTRates    uint8 = 0x53
	OpStartHK     uint8 = 0x57
	OpStopHK      uint8 = 0x58
	OpStartTkrHK  uint8 = 0x5C
	OpStopTkrHK   uint8 = 0x5D
)

const (
	sentinel = 0xdc

	hdrLen     = 3 // 0xDC 0x00 0xFF
	trailerLen = 3 // 0xFF 0x00 0xFF
	chunkLen   = 3

	// DefaultScanBound is the number of single-byte reads attempted
	// while looking for the packet sentinel.
	DefaultScanBound = 360
)

var (
	pktHeader  = [hdrLen]byte{0xdc, 0x00, 0xff}
	pktTrailer = [trailerLen]byte{0xff, 0x00, 0xff}
)

// Tag is the type tag of a packet.
//
// Tags 0xDA, 0xDB, 0xDD, 0xDE and 0xDF mark records the event PSOC sends
// on its own. Any other tag outside the 0xD0-0xDF range is the code of
// the command the packet replies to.
type Tag uint8

const (
	TagErrors   Tag = 0xda // accumulated error record
	TagTOFEvent Tag = 0xdb // event record, TOF debug mode
	TagEvent    Tag = 0xdd // event record
	TagHK       Tag = 0xde // housekeeping
	TagTkrHK    Tag = 0xdf // tracker housekeeping
)

// Kind classifies packet tags.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAsync
	KindReply
)

// Kind returns the class of the tag.
func (t Tag) Kind() Kind {
	switch t {
	case TagErrors, TagTOFEvent, TagEvent, TagHK, TagTkrHK:
		return KindAsync
	}
	if t&0xf0 == 0xd0 {
		return KindUnknown
	}
	return KindReply
}

// Async reports whether t tags an unsolicited record.
func (t Tag) Async() bool { return t.Kind() == KindAsync }

func (t Tag) String() string {
	switch t {
	case TagErrors:
		return "error-record"
	case TagTOFEvent:
		return "tof-event"
	case TagEvent:
		return "event"
	case TagHK:
		return "housekeeping"
	case TagTkrHK:
		return "tkr-housekeeping"
	}
	if t.Kind() == KindUnknown {
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
	return fmt.Sprintf("reply(0x%02x)", uint8(t))
}

// Packet is a decoded reply or unsolicited record.
type Packet struct {
	Tag  Tag
	Echo []byte // echoed command data bytes
	Data []byte // result bytes, after the echo
}

// Len returns the declared payload length of the packet.
func (p Packet) Len() int { return len(p.Echo) + len(p.Data) }

// padding returns the number of bytes needed to align n on 3 bytes.
func padding(n int) int {
	return (chunkLen - n%chunkLen) % chunkLen
}
