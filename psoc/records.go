// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/xerrors"
)

// Time is the packed date/time word of the PSOC real-time clock.
//
//	bits 30-26: year-2000
//	bits 25-22: month
//	bits 21-17: day
//	bits 16-12: hour
//	bits 11-6:  minute
//	bits 5-0:   second
type Time uint32

func (t Time) Year() int   { return int((t&0x7c000000)>>26) + 2000 }
func (t Time) Month() int  { return int((t & 0x03c00000) >> 22) }
func (t Time) Day() int    { return int((t & 0x003e0000) >> 17) }
func (t Time) Hour() int   { return int((t & 0x0001f000) >> 12) }
func (t Time) Minute() int { return int((t & 0x00000fc0) >> 6) }
func (t Time) Second() int { return int(t & 0x0000003f) }

// Time returns t as a UTC time.Time.
func (t Time) Time() time.Time {
	return time.Date(t.Year(), time.Month(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func (t Time) String() string {
	month := t.Month()
	if month < 1 || month > 12 {
		month = 1
	}
	return fmt.Sprintf("%d:%d:%d on %s %d, %d",
		t.Hour(), t.Minute(), t.Second(),
		time.Month(month).String()[:3], t.Day(), t.Year(),
	)
}

func u16(p []byte) uint16 { return binary.BigEndian.Uint16(p) }
func u32(p []byte) uint32 { return binary.BigEndian.Uint32(p) }

// tkrTemp converts a tracker temperature-sensor reading to Celsius.
func tkrTemp(v uint16) float64 { return (0.25 / 4.0) * (float64(v) / 16) }

const hkLen = 81

// Housekeeping is the periodic status record of the event PSOC.
type Housekeeping struct {
	Run         uint16
	Time        Time
	LastCmd     [2]byte
	CmdCount    int // as reported by the firmware: hi*255+lo
	BadCmds     uint8
	Errors      uint8
	Go          uint32 // accepted triggers
	Go1         uint32 // missed triggers
	AvgReadTime uint16 // microseconds

	Rates      [4]uint16 // T1..T4, Hz
	GuardRate  uint16    // Hz
	TkrCmdCnt  uint16
	TkrTrg1    uint8 // percent of triggers with tracker-1 bit set
	TkrTrg2    uint8 // percent of triggers with tracker-2 bit set
	TkrErrors  uint8
	TkrTimeout uint8
	ChipsHit   [8]float64 // chips hit per event, per board
	LayerRates [8]uint16  // Hz

	DieTemp uint16     // Celsius
	TkrTemp [2]float64 // layers 0 and 7, Celsius

	TOFAvg  [2]uint8 // average TOF-A/B stops per event
	TOFMax  [2]uint8 // maximum TOF-A/B stops per event
	SPIBusy uint8    // percent
	Live    uint8    // percent
	Samples uint16   // ADC state-machine live-time samples
	ADCLive uint8    // percent
}

// DecodeHousekeeping decodes the data of a TagHK packet.
func DecodeHousekeeping(p []byte) (Housekeeping, error) {
	var hk Housekeeping
	if len(p) < hkLen {
		return hk, xerrors.Errorf("psoc: housekeeping record too short (got=%d, want=%d)", len(p), hkLen)
	}

	hk.Run = u16(p[4:])
	hk.Time = Time(u32(p[6:]))
	copy(hk.LastCmd[:], p[10:12])
	hk.CmdCount = int(p[12])*255 + int(p[13])
	hk.BadCmds = p[14]
	hk.Errors = p[15]
	hk.Go = u32(p[16:])
	hk.Go1 = u32(p[20:])
	hk.AvgReadTime = u16(p[24:])
	for i := range hk.Rates {
		hk.Rates[i] = u16(p[26+2*i:])
	}
	hk.GuardRate = u16(p[34:])
	hk.TkrCmdCnt = u16(p[36:])
	hk.TkrTrg1 = p[38]
	hk.TkrTrg2 = p[39]
	hk.TkrErrors = p[40]
	hk.TkrTimeout = p[41]
	for brd := 0; brd < 8; brd++ {
		hk.ChipsHit[brd] = float64(p[42+brd]) / 10
		hk.LayerRates[brd] = u16(p[50+2*brd:])
	}
	hk.DieTemp = u16(p[66:])
	hk.TkrTemp[0] = tkrTemp(u16(p[68:]))
	hk.TkrTemp[1] = tkrTemp(u16(p[70:]))
	hk.TOFAvg = [2]uint8{p[72], p[73]}
	hk.TOFMax = [2]uint8{p[74], p[75]}
	hk.SPIBusy = p[76]
	hk.Live = p[77]
	hk.Samples = u16(p[78:])
	hk.ADCLive = p[80]

	return hk, nil
}

func (hk *Housekeeping) Dump(w io.Writer) error {
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

	printf("Housekeeping packet for run %d\n", hk.Run)
	printf("   Housekeeping time = %v\n", hk.Time)
	printf("   Last command = %x\n", hk.LastCmd)
	printf("   Command count = %d\n", hk.CmdCount)
	printf("   Number of bad commands = %d\n", hk.BadCmds)
	printf("   Number of errors = %d\n", hk.Errors)
	printf("   GO count = %d     GO1 count = %d\n", hk.Go, hk.Go1)
	printf("   Average readout time = %d microseconds\n", hk.AvgReadTime)
	printf("   Guard rate = %d Hz\n", hk.GuardRate)
	for i, r := range hk.Rates {
		printf("   T%d rate = %d Hz\n", i+1, r)
	}
	printf("   Tracker command count = %d\n", hk.TkrCmdCnt)
	printf("   Fraction of triggers with Tracker 1 bit set = %d percent\n", hk.TkrTrg1)
	printf("   Fraction of triggers with Tracker 2 bit set = %d percent\n", hk.TkrTrg2)
	printf("   Number of tracker data errors = %d\n", hk.TkrErrors)
	printf("   Number of tracker time-outs = %d\n", hk.TkrTimeout)
	for brd, v := range hk.ChipsHit {
		printf("    Tracker board %d has %g chips hit per event\n", brd, v)
	}
	for brd, v := range hk.LayerRates {
		printf("    Tracker board %d rate = %d Hz\n", brd, v)
	}
	printf("   Event PSOC die temperature = %d Celsius\n", hk.DieTemp)
	printf("   Tracker layer 0 temperature = %g Celsius\n", hk.TkrTemp[0])
	printf("   Tracker layer 7 temperature = %g Celsius\n", hk.TkrTemp[1])
	printf("   Average number of TOF-A stops per event = %d\n", hk.TOFAvg[0])
	printf("   Average number of TOF-B stops per event = %d\n", hk.TOFAvg[1])
	printf("   Maximum number of TOF-A stops per event = %d\n", hk.TOFMax[0])
	printf("   Maximum number of TOF-B stops per event = %d\n", hk.TOFMax[1])
	printf("   Percent SPI busy = %d\n", hk.SPIBusy)
	printf("   Percent live = %d\n", hk.Live)
	printf("   Number of samples for the ADC state-machine live-time = %d\n", hk.Samples)
	printf("   ADC state-machine live-time = %d%%\n", hk.ADCLive)

	if err != nil {
		return xerrors.Errorf("psoc: could not dump housekeeping: %w", err)
	}
	err = buf.Flush()
	if err != nil {
		return xerrors.Errorf("psoc: could not dump housekeeping: %w", err)
	}
	return nil
}

// Rail is a bus voltage and shunt current reading of a tracker supply.
type Rail struct {
	Voltage float64 // V
	Current float64 // mA
}

// TkrBoard holds the housekeeping data of one tracker board.
type TkrBoard struct {
	Temp float64 // Celsius
	Bias float64 // bias current, microamps

	Dig12 Rail // digital 1.2V
	Dig25 Rail // digital 2.5V
	Dig33 Rail // digital 3.3V
	Ana21 Rail // analog 2.1V
	Ana33 Rail // analog 3.3V
}

// TkrHousekeeping is the periodic status record of the tracker boards.
type TkrHousekeeping struct {
	Run    uint16
	Time   Time
	Boards []TkrBoard
}

const (
	tkrHKOffset = 9
	tkrHKBoard  = 24
	shuntLV     = 0.03  // Ohm
	shuntBias   = 100.0 // Ohm
)

// DecodeTkrHousekeeping decodes the data of a TagTkrHK packet.
// Boards are listed until the first one reporting a null temperature.
func DecodeTkrHousekeeping(p []byte) (TkrHousekeeping, error) {
	var hk TkrHousekeeping
	if len(p) < tkrHKOffset+1 {
		return hk, xerrors.Errorf("psoc: tracker housekeeping record too short (got=%d)", len(p))
	}
	hk.Run = u16(p[4:])
	hk.Time = Time(u32(p[6:]))

	var (
		bus  = func(v uint16) float64 { return 1.25 * float64(v) / 1000 }
		shv  = func(v uint16) float64 { return 2.5 * float64(v) / 1e6 }
		rail = func(p []byte) Rail {
			return Rail{
				Voltage: bus(u16(p[0:])),
				Current: shv(u16(p[2:])) * 1000 / shuntLV,
			}
		}
	)
	for brd, off := 0, tkrHKOffset; brd < 8 && off+tkrHKBoard < len(p); brd, off = brd+1, off+tkrHKBoard {
		b := p[off+1 : off+1+tkrHKBoard]
		if b[0] == 0 && b[1] == 0 {
			break
		}
		hk.Boards = append(hk.Boards, TkrBoard{
			Temp:  tkrTemp(u16(b[0:])),
			Bias:  shv(u16(b[2:])) * 1e6 / shuntBias,
			Dig12: rail(b[4:]),
			Dig25: rail(b[8:]),
			Dig33: rail(b[12:]),
			Ana21: rail(b[16:]),
			Ana33: rail(b[20:]),
		})
	}
	return hk, nil
}

func (hk *TkrHousekeeping) Dump(w io.Writer) error {
	var (
		buf    = bufio.NewWriter(w)
		err    error
		printf = func(format string, args ...interface{}) {
			_, e := fmt.Fprintf(buf, format, args...)
			if err == nil {
				err = e
			}
		}
		rail = func(name string, r Rail) {
			printf("      %s bus voltage reading = %g V\n", name, r.Voltage)
			printf("      %s shunt current reading = %g milliamps\n", name, r.Current)
		}
	)
	defer buf.Flush()

	printf("Tracker housekeeping packet for run %d:\n", hk.Run)
	printf("   Time = %v\n", hk.Time)
	for i, brd := range hk.Boards {
		printf("   Housekeeping data for Tracker board %d:\n", i)
		printf("      Temperature = %g Celsius\n", brd.Temp)
		printf("      Bias current = %g microamps\n", brd.Bias)
		rail("Digital 1.2V", brd.Dig12)
		rail("Digital 2.5V", brd.Dig25)
		rail("Digital 3.3V", brd.Dig33)
		rail("Analog 2.1V", brd.Ana21)
		rail("Analog 3.3V", brd.Ana33)
	}

	if err != nil {
		return xerrors.Errorf("psoc: could not dump tracker housekeeping: %w", err)
	}
	err = buf.Flush()
	if err != nil {
		return xerrors.Errorf("psoc: could not dump tracker housekeeping: %w", err)
	}
	return nil
}

// ErrorEntry is one entry of the PSOC error queue.
type ErrorEntry struct {
	Code  uint8
	Info1 uint8
	Info2 uint8
}

// DecodeErrors decodes the reply to OpReadErrors.
// A single entry with a null code means the queue was empty.
func DecodeErrors(p []byte) []ErrorEntry {
	if len(p) == 3 && p[0] == 0 {
		return nil
	}
	errs := make([]ErrorEntry, 0, len(p)/3)
	for i := 0; i+3 <= len(p); i += 3 {
		errs = append(errs, ErrorEntry{Code: p[i], Info1: p[i+1], Info2: p[i+2]})
	}
	return errs
}

// Report writes a human readable description of the packet to w.
func Report(w io.Writer, pkt Packet) error {
	switch pkt.Tag {
	case TagHK:
		fmt.Fprintf(w, "housekeeping packet received with %d bytes\n", pkt.Len())
		hk, err := DecodeHousekeeping(pkt.Data)
		if err != nil {
			return err
		}
		return hk.Dump(w)

	case TagTkrHK:
		fmt.Fprintf(w, "tracker housekeeping packet received with %d bytes\n", pkt.Len())
		hk, err := DecodeTkrHousekeeping(pkt.Data)
		if err != nil {
			return err
		}
		return hk.Dump(w)

	case TagTOFEvent:
		_, err := fmt.Fprintf(w, "TOF debug event data packet received with %d bytes\n", pkt.Len())
		return err

	case TagEvent:
		_, err := fmt.Fprintf(w, "event data packet received with %d bytes\n", pkt.Len())
		return err

	case TagErrors:
		fmt.Fprintf(w, "error record received with %d bytes\n", pkt.Len())
		for i, v := range pkt.Data {
			_, err := fmt.Fprintf(w, "   byte %d = %d decimal, %02x hex\n", i, v, v)
			if err != nil {
				return err
			}
		}
		return nil
	}

	_, err := fmt.Fprintf(w, "%v packet: echo=%x data=%x\n", pkt.Tag, pkt.Echo, pkt.Data)
	return err
}
