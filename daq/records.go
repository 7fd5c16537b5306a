// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/aesop/psoc"
	"github.com/go-lpc/aesop/tkr"
	"golang.org/x/xerrors"
)

const (
	nLayers = 8

	borLen   = 44 + nLayers*5
	borBoard = 44

	eorLen      = eorCounters + psoc.RunCountersLen
	eorLayer    = 30
	eorLayerLen = 9
	eorCounters = 102

	evtHdrLen   = 40
	evtDebugLen = 50
)

var (
	borMagic = []byte("BOFR")
	eorMagic = []byte("EOR")
	errMagic = []byte("ERR")
)

func u16(p []byte) uint16 { return binary.BigEndian.Uint16(p) }
func u32(p []byte) uint32 { return binary.BigEndian.Uint32(p) }

// BoardConfig is the configuration of one tracker board, as reported at
// the beginning of a run.
type BoardConfig struct {
	Version  uint8
	Config   uint8 // configuration register
	Layers   uint8 // number of readout layers
	TrgLen   uint8 // trigger output length
	TrgDelay uint8 // trigger output delay
}

// BOR is the begin-of-run record.
type BOR struct {
	Run     uint16
	Time    psoc.Time
	Version [2]uint8

	DAC struct {
		G, T1, T3, T4 uint8
		T2            uint16
		TOFA, TOFB    uint16
	}

	TOFADelay uint8    // TOF-A control shift register delay period
	TOFBDelay uint8    // TOF-B control shift register delay period
	ADCDelay  uint8    // ADC-control state machine delay
	Settling  [4]uint8 // comparator settling times, T1..T4

	TkrTrgDelay uint8 // PMT-trigger tracker trigger delay
	Prescale2   uint8 // PMT secondary trigger prescale
	TkrPrescale uint8
	Mask1       uint8 // primary trigger mask
	Mask2       uint8 // secondary trigger mask

	Thresholds [nLayers]uint8 // tracker threshold forced offsets
	TkrDelay   uint8          // tracker master trigger delay
	TkrSource  uint8          // tracker master trigger source

	Boards [nLayers]BoardConfig
}

// DecodeBOR decodes the data of a begin-of-run record.
func DecodeBOR(p []byte) (BOR, error) {
	var bor BOR
	if !bytes.HasPrefix(p, borMagic) {
		return bor, xerrors.Errorf("daq: invalid BOR magic (got=%q, want=%q)", head(p, len(borMagic)), borMagic)
	}
	if len(p) < borLen {
		return bor, xerrors.Errorf("daq: BOR record too short (got=%d, want=%d)", len(p), borLen)
	}

	bor.Run = u16(p[4:])
	bor.Time = psoc.Time(u32(p[6:]))
	bor.Version = [2]uint8{p[10], p[11]}

	bor.DAC.G = p[12]
	bor.DAC.T3 = p[13]
	bor.DAC.T1 = p[14]
	bor.DAC.T4 = p[15]
	bor.DAC.T2 = u16(p[16:])
	bor.DAC.TOFA = u16(p[18:])
	bor.DAC.TOFB = u16(p[20:])

	bor.TOFADelay = p[22]
	bor.TOFBDelay = p[23]
	bor.ADCDelay = p[24]
	// firmware order is T3, T1, T4, T2.
	bor.Settling = [4]uint8{p[26], p[28], p[25], p[27]}

	bor.TkrTrgDelay = p[29]
	bor.Prescale2 = p[30]
	bor.TkrPrescale = p[31]
	bor.Mask1 = p[32]
	bor.Mask2 = p[33]
	copy(bor.Thresholds[:], p[34:42])
	bor.TkrDelay = p[42]
	bor.TkrSource = p[43]

	for i := range bor.Boards {
		o := p[borBoard+5*i:]
		bor.Boards[i] = BoardConfig{
			Version:  o[0],
			Config:   o[1],
			Layers:   o[2],
			TrgLen:   o[3],
			TrgDelay: o[4],
		}
	}
	return bor, nil
}

func (bor *BOR) Dump(w io.Writer) error {
	var (
		buf    = bufio.NewWriter(w)
		err    error
		printf = func(format string, args ...interface{}) {
			_, e := fmt.Fprintf(buf, format, args...)
			if err == nil {
				err = e
			}
		}
	)
	defer buf.Flush()

	printf("begin-of-run record:\n")
	printf("  Run number %d\n", bor.Run)
	printf("  Time = %v\n", bor.Time)
	printf("  Event PSOC code version = %d.%d\n", bor.Version[0], bor.Version[1])
	printf("  DAC settings:\n")
	printf("        G: %d\n", bor.DAC.G)
	printf("       T3: %d\n", bor.DAC.T3)
	printf("       T1: %d\n", bor.DAC.T1)
	printf("       T4: %d\n", bor.DAC.T4)
	printf("       T2: %d\n", bor.DAC.T2)
	printf("     TOFA: %d\n", bor.DAC.TOFA)
	printf("     TOFB: %d\n", bor.DAC.TOFB)
	printf("   TOFA-control shift register delay period = %d\n", bor.TOFADelay)
	printf("   TOFB-control shift register delay period = %d\n", bor.TOFBDelay)
	printf("   ADC-control state machine delay = %d\n", bor.ADCDelay)
	for i, v := range bor.Settling {
		printf("   T%d comparator settling time period = %d\n", i+1, v)
	}
	printf("   PMT-trigger tracker trigger delay time = %d\n", bor.TkrTrgDelay)
	printf("   PMT secondary trigger prescale value = %d\n", bor.Prescale2)
	printf("   Tracker trigger prescale value = %d\n", bor.TkrPrescale)
	printf("   Primary trigger mask = %d\n", bor.Mask1)
	printf("   Secondary trigger mask = %d\n", bor.Mask2)
	printf("   Tracker threshold forced offsets:\n")
	for i, v := range bor.Thresholds {
		printf("       Layer %d = %d\n", i, v)
	}
	printf("   Tracker master trigger delay = %d\n", bor.TkrDelay)
	printf("   Tracker Master trigger source setting = %d\n", bor.TkrSource)
	for i, brd := range bor.Boards {
		printf("   Tracker settings for board %d\n", i)
		printf("       Tracker firmware code version = %d\n", brd.Version)
		printf("       Tracker firmware configuration register = %02x\n", brd.Config)
		printf("       Number of readout layers = %d\n", brd.Layers)
		printf("       Trigger output length = %d\n", brd.TrgLen)
		printf("       Trigger output delay = %d\n", brd.TrgDelay)
	}

	if err != nil {
		return xerrors.Errorf("daq: could not dump BOR: %w", err)
	}
	err = buf.Flush()
	if err != nil {
		return xerrors.Errorf("daq: could not dump BOR: %w", err)
	}
	return nil
}

// LayerCounters are the end-of-run counters of one tracker layer.
type LayerCounters struct {
	Trigs    uint16 // triggers received
	Reads    uint16 // read commands received
	Missed   uint8  // missed triggers
	NoTrig   uint8  // reads with no trigger
	ErrCodes uint8
	ASICErrs uint8
	BadCmds  uint8 // bad command addresses or codes received
}

// EOR is the end-of-run record.
type EOR struct {
	Run       uint16
	CntGo1    uint32 // triggers generated while busy
	CntGo     uint32 // triggers accepted
	BadCRC    uint8
	ReadReady uint32 // tracker reads with status ready
	NotReady  uint16 // tracker reads with status not ready
	TOFAvg    [2]uint8
	TOFMax    [2]uint8
	Busy      uint32 // events created while the SPI link is busy
	TkrGo     uint16 // GO signals received by the tracker master

	Layers   [nLayers]LayerCounters
	Counters psoc.RunCounters
}

// DecodeEOR decodes the data of an end-of-run record.
func DecodeEOR(p []byte) (EOR, error) {
	var eor EOR
	if !bytes.HasPrefix(p, eorMagic) {
		return eor, xerrors.Errorf("daq: invalid EOR magic (got=%q, want=%q)", head(p, len(eorMagic)), eorMagic)
	}
	if len(p) < eorLen {
		return eor, xerrors.Errorf("daq: EOR record too short (got=%d, want=%d)", len(p), eorLen)
	}

	eor.Run = u16(p[3:])
	eor.CntGo1 = u32(p[5:])
	eor.CntGo = u32(p[9:])
	eor.BadCRC = p[13]
	eor.ReadReady = u32(p[14:])
	eor.NotReady = u16(p[18:])
	eor.TOFAvg = [2]uint8{p[20], p[21]}
	eor.TOFMax = [2]uint8{p[22], p[23]}
	eor.Busy = u32(p[24:])
	eor.TkrGo = u16(p[28:])

	for i := range eor.Layers {
		o := p[eorLayer+eorLayerLen*i:]
		eor.Layers[i] = LayerCounters{
			Trigs:    u16(o[0:]),
			Reads:    u16(o[2:]),
			Missed:   o[4],
			NoTrig:   o[5],
			ErrCodes: o[6],
			ASICErrs: o[7],
			BadCmds:  o[8],
		}
	}

	var err error
	eor.Counters, err = psoc.DecodeRunCounters(p[eorCounters:])
	if err != nil {
		return eor, xerrors.Errorf("daq: could not decode EOR run counters: %w", err)
	}
	return eor, nil
}

// Live returns the live-time fraction of the run.
func (eor EOR) Live() float64 {
	n := float64(eor.CntGo) + float64(eor.CntGo1)
	if n == 0 {
		return 0
	}
	return float64(eor.CntGo) / n
}

func (eor *EOR) Dump(w io.Writer) error {
	var (
		buf    = bufio.NewWriter(w)
		err    error
		printf = func(format string, args ...interface{}) {
			_, e := fmt.Fprintf(buf, format, args...)
			if err == nil {
				err = e
			}
		}
	)
	defer buf.Flush()

	printf("Run number = %d\n", eor.Run)
	printf("Number of triggers generated = %d\n", uint64(eor.CntGo1)+uint64(eor.CntGo))
	printf("Number of triggers accepted = %d\n", eor.CntGo)
	printf("Number of bad Tracker CRC = %d\n", eor.BadCRC)
	printf("Number of tracker reads when status is ready = %d\n", eor.ReadReady)
	printf("Number of tracker reads when status is not ready = %d\n", eor.NotReady)
	printf("Average number of TOF-A stops per event = %d\n", eor.TOFAvg[0])
	printf("Average number of TOF-B stops per event = %d\n", eor.TOFAvg[1])
	printf("Maximum number of TOF-A stops in an event = %d\n", eor.TOFMax[0])
	printf("Maximum number of TOF-B stops in an event = %d\n", eor.TOFMax[1])
	printf("Number of events created when the SPI link is BUSY = %d\n", eor.Busy)
	printf("Number of GO signals received by the Tracker master = %d\n", eor.TkrGo)
	for i, lyr := range eor.Layers {
		printf("  Layer %d: number of triggers received = %d\n", i, lyr.Trigs)
		printf("  Layer %d: number of read commands received = %d\n", i, lyr.Reads)
		printf("  Layer %d: number of missed triggers = %d\n", i, lyr.Missed)
		printf("  Layer %d: number of reads with no trigger = %d\n", i, lyr.NoTrig)
		printf("  Layer %d: error codes = %02x\n", i, lyr.ErrCodes)
		printf("  Layer %d: ASIC error codes = %02x\n", i, lyr.ASICErrs)
		printf("  Layer %d: number of bad command addresses or codes received = %02x\n", i, lyr.BadCmds)
	}
	if err != nil {
		return xerrors.Errorf("daq: could not dump EOR: %w", err)
	}
	err = buf.Flush()
	if err != nil {
		return xerrors.Errorf("daq: could not dump EOR: %w", err)
	}

	return eor.Counters.Dump(w)
}

// Trigger status bits of an event.
const (
	TrgPMT1  = 0x01 // primary PMT trigger
	TrgPMT2  = 0x02 // secondary PMT trigger
	TrgTkr0  = 0x04
	TrgTkr1  = 0x08
	TrgGuard = 0x10 // guard PMT fired
)

// Event is a decoded event record.
type Event struct {
	Run      uint16
	Trigger  uint32    // accepted trigger number
	Stamp    uint32    // time stamp, in 1/200 s ticks
	CntGo1   uint32    // triggers generated while busy
	Time     psoc.Time // date of the event
	Status   uint8     // trigger status bits
	ADC      [5]uint16 // T1, T2, T3, T4, G
	DTMin    int       // time of flight, in 10ps units
	TrgCount uint16    // tracker trigger count

	// TOF debug fields, 0 or 9999 when the run was taken without TOF
	// debugging.
	NTOFA, NTOFB int
	TOFA, TOFB   int
	ClkA, ClkB   int

	Layers []tkr.Event
}

// DecodeEvent decodes the data of an event record.
// Tracker hit lists are decoded with tkr.Decode: their faults are
// reported in Layers, never as an error.
func DecodeEvent(p []byte, debugTOF bool) (Event, error) {
	var evt Event
	min := evtHdrLen
	if debugTOF {
		min = evtDebugLen
	}
	if len(p) < min {
		return evt, xerrors.Errorf("daq: event record too short (got=%d, want>=%d)", len(p), min)
	}

	evt.Run = u16(p[4:])
	evt.Trigger = u32(p[6:])
	evt.Stamp = u32(p[10:])
	evt.CntGo1 = u32(p[14:])
	evt.Time = psoc.Time(u32(p[18:]))
	evt.Status = p[22]
	for i := range evt.ADC {
		evt.ADC[i] = u16(p[23+2*i:])
	}
	evt.DTMin = 10 * int(int16(u16(p[33:])))
	evt.TrgCount = u16(p[35:])

	var (
		nlyrs int
		ptr   int
	)
	switch {
	case debugTOF:
		evt.NTOFA = int(p[39])
		evt.NTOFB = int(p[40])
		evt.TOFA = 10 * int(u16(p[41:]))
		evt.TOFB = 10 * int(u16(p[43:]))
		evt.ClkA = int(u16(p[45:]))
		evt.ClkB = int(u16(p[47:]))
		nlyrs = int(p[49])
		ptr = evtDebugLen
	default:
		evt.TOFA = 9999
		evt.TOFB = 9999
		evt.ClkA = 9999
		evt.ClkB = 9999
		nlyrs = int(p[39])
		ptr = evtHdrLen
	}

	evt.Layers = make([]tkr.Event, 0, nlyrs)
	for i := 0; i < nlyrs; i++ {
		if ptr >= len(p) {
			return evt, xerrors.Errorf("daq: event %d: missing layer %d/%d", evt.Trigger, i, nlyrs)
		}
		n := int(p[ptr])
		ptr++
		if ptr+n > len(p) {
			return evt, xerrors.Errorf(
				"daq: event %d: layer %d truncated (got=%d, want=%d)",
				evt.Trigger, i, len(p)-ptr, n,
			)
		}
		evt.Layers = append(evt.Layers, tkr.Decode(i, p[ptr:ptr+n]))
		ptr += n
	}

	return evt, nil
}

// Hits returns the number of strip hits over all layers.
func (evt Event) Hits() int {
	n := 0
	for _, lyr := range evt.Layers {
		n += len(lyr.Hits)
	}
	return n
}

// Code returns the first non-zero hit-list code of the event's layers,
// or 0 when all layers decoded cleanly.
func (evt Event) Code() int {
	for _, lyr := range evt.Layers {
		if rc := lyr.Code(); rc != 0 {
			return rc
		}
	}
	return 0
}

// Bad returns the number of layers whose hit list has a non-zero code.
func (evt Event) Bad() int {
	n := 0
	for _, lyr := range evt.Layers {
		if lyr.Code() != 0 {
			n++
		}
	}
	return n
}

func head(p []byte, n int) []byte {
	if len(p) < n {
		return p
	}
	return p[:n]
}
