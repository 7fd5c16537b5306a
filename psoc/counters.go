// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package psoc

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/xerrors"
)

// RunCountersLen is the size of an encoded RunCounters block.
const RunCountersLen = 47

// RunCounters are the diagnostic counters accumulated by the event PSOC
// over a run.
type RunCounters struct {
	GlobalCmds  uint16
	Cmds        uint16
	CmdTimeouts uint8
	TkrResets   uint8
	ASICErrEvts uint8 // events with the ASIC error flag set
	ASICParity  uint8
	BadASICHdrs uint8
	BadClusters uint8
	BadCmds     uint8
	BigChips    uint8 // chips with more than 10 clusters
	Overruns    uint8 // hit-list overruns while parsing
	TagMismatch uint8
	TooBig      uint8 // events too big to output
	TkrDataErrs uint8
	BadNData    uint8
	TkrTimeouts uint16
	TkrTrg1     uint32
	TkrTrg2     uint32
	PMTOnly     uint32
	TkrOnly     uint32
	AllTrg      uint32
	NoPrimary   uint32
	ADCLive     float64 // ADC control state-machine live time
	NOOPs       uint16
}

// DecodeRunCounters decodes a run counters block.
func DecodeRunCounters(p []byte) (RunCounters, error) {
	var rc RunCounters
	if len(p) < RunCountersLen {
		return rc, xerrors.Errorf(
			"psoc: run counters block too short (got=%d, want=%d)",
			len(p), RunCountersLen,
		)
	}
	rc.GlobalCmds = u16(p[0:])
	rc.Cmds = u16(p[2:])
	rc.CmdTimeouts = p[4]
	rc.TkrResets = p[5]
	rc.ASICErrEvts = p[6]
	rc.ASICParity = p[7]
	rc.BadASICHdrs = p[8]
	rc.BadClusters = p[9]
	rc.BadCmds = p[10]
	rc.BigChips = p[11]
	rc.Overruns = p[12]
	rc.TagMismatch = p[13]
	rc.TooBig = p[14]
	rc.TkrDataErrs = p[15]
	rc.BadNData = p[16]
	rc.TkrTimeouts = u16(p[17:])
	rc.TkrTrg1 = u32(p[19:])
	rc.TkrTrg2 = u32(p[23:])
	rc.PMTOnly = u32(p[27:])
	rc.TkrOnly = u32(p[31:])
	rc.AllTrg = u32(p[35:])
	rc.NoPrimary = u32(p[39:])
	rc.ADCLive = float64(u16(p[43:])) / 100
	rc.NOOPs = u16(p[45:])
	return rc, nil
}

func (rc *RunCounters) Dump(w io.Writer) error {
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

	printf("Run counters:\n")
	printf("   Global command count = %d\n", rc.GlobalCmds)
	printf("   Command count = %d\n", rc.Cmds)
	printf("   Number of command timeouts = %d\n", rc.CmdTimeouts)
	printf("   Number of Tracker resets = %d\n", rc.TkrResets)
	printf("   Number of events with ASIC error flag set = %d\n", rc.ASICErrEvts)
	printf("   Number of events with ASIC parity errors = %d\n", rc.ASICParity)
	printf("   Number of bad ASIC headers = %d\n", rc.BadASICHdrs)
	printf("   Number of bad ASIC clusters = %d\n", rc.BadClusters)
	printf("   Number of bad commands = %d\n", rc.BadCmds)
	printf("   Number of tracker chips with > 10 clusters = %d\n", rc.BigChips)
	printf("   Number of tracker hit-list overruns while parsing = %d\n", rc.Overruns)
	printf("   Number of tracker tag mismatches = %d\n", rc.TagMismatch)
	printf("   Number of events too big to output = %d\n", rc.TooBig)
	printf("   Number of tracker data errors = %d\n", rc.TkrDataErrs)
	printf("   Number of tracker records with bad N-Data = %d\n", rc.BadNData)
	printf("   Number of tracker time-outs = %d\n", rc.TkrTimeouts)
	printf("   Number of events with tracker trigger 1 = %d\n", rc.TkrTrg1)
	printf("   Number of events with tracker trigger 2 = %d\n", rc.TkrTrg2)
	printf("   Number of events with only PMT triggers = %d\n", rc.PMTOnly)
	printf("   Number of events with only TKR triggers = %d\n", rc.TkrOnly)
	printf("   Number of events with all 3 triggers = %d\n", rc.AllTrg)
	printf("   Number of events with no primary trigger = %d\n", rc.NoPrimary)
	printf("   ADC control state machine live time = %g\n", rc.ADCLive)
	printf("   Number of NOOP commands received = %d\n", rc.NOOPs)

	if err != nil {
		return xerrors.Errorf("psoc: could not dump run counters: %w", err)
	}
	err = buf.Flush()
	if err != nil {
		return xerrors.Errorf("psoc: could not dump run counters: %w", err)
	}
	return nil
}

// PMTRates holds the singles counts of the five PMT channels over a
// sampling interval.
type PMTRates struct {
	Interval float64 // seconds
	Guard    uint16
	T1       uint16
	T2       uint16
	T3       uint16
	T4       uint16
}

// Rate returns the rate in Hz corresponding to the count n.
func (r PMTRates) Rate(n uint16) float64 {
	return float64(n) / r.Interval
}

// RunCounters retrieves the run counters of the event PSOC.
func (c *Conn) RunCounters() (RunCounters, error) {
	pkt, err := c.Exchange(OpRunCounters, EventPSOC)
	if err != nil {
		return RunCounters{}, err
	}
	return DecodeRunCounters(pkt.Data)
}

// PMTRates retrieves the PMT singles counts from the event PSOC.
func (c *Conn) PMTRates() (PMTRates, error) {
	var rates PMTRates
	pkt, err := c.Exchange(OpPMTRates, EventPSOC)
	if err != nil {
		return rates, err
	}
	p := pkt.Data
	if len(p) < 12 {
		return rates, xerrors.Errorf("psoc: PMT rates reply too short (got=%d, want=12)", len(p))
	}
	rates.Interval = float64(u16(p[0:])) / 200
	if rates.Interval == 0 {
		return rates, xerrors.Errorf("psoc: PMT rates reply with zero time interval")
	}
	// channels are ordered as: guard, T3, T1, T4, T2.
	rates.Guard = u16(p[2:])
	rates.T3 = u16(p[4:])
	rates.T1 = u16(p[6:])
	rates.T4 = u16(p[8:])
	rates.T2 = u16(p[10:])
	return rates, nil
}

// StartHousekeeping asks the event PSOC to emit a housekeeping record
// every interval seconds. tkrRates enables the tracker layer rates.
func (c *Conn) StartHousekeeping(interval, tkrRates uint8) error {
	return c.Send(OpStartHK, EventPSOC, interval, tkrRates)
}

// StopHousekeeping stops the periodic housekeeping records.
func (c *Conn) StopHousekeeping() error {
	return c.Send(OpStopHK, EventPSOC)
}

// StartTkrHousekeeping asks the event PSOC to emit a tracker housekeeping
// record every interval minutes.
func (c *Conn) StartTkrHousekeeping(interval uint8) error {
	return c.Send(OpStartTkrHK, EventPSOC, interval)
}

// StopTkrHousekeeping stops the periodic tracker housekeeping records.
func (c *Conn) StopTkrHousekeeping() error {
	return c.Send(OpStopTkrHK, EventPSOC)
}

// TkrCommand sends the tracker sub-command sub to the given FPGA and
// checks its acknowledgment. It returns the tracker command count.
func (c *Conn) TkrCommand(fpga, sub uint8, data ...uint8) (int, error) {
	args := append([]uint8{fpga, sub, uint8(len(data))}, data...)
	pkt, err := c.Exchange(OpTracker, EventPSOC, args...)
	if err != nil {
		return 0, err
	}
	return TkrEcho(pkt, sub)
}

// TkrEcho decodes the acknowledgment of a tracker command and checks it
// echoes the sub-command sub.
func TkrEcho(pkt Packet, sub uint8) (int, error) {
	p := pkt.Data
	if len(p) < 3 {
		return 0, xerrors.Errorf("psoc: tracker echo too short (got=%d, want=3)", len(p))
	}
	n := int(u16(p))
	if p[2] != sub {
		return n, xerrors.Errorf(
			"psoc: tracker command 0x%02x acknowledged as 0x%02x: %w",
			sub, p[2], ErrEchoMismatch,
		)
	}
	return n, nil
}

// BackplaneVoltage reads the 5V backplane supply digitized by the main
// PSOC, in volts.
func (c *Conn) BackplaneVoltage() (float64, error) {
	pkt, err := c.Exchange(OpReadVoltage, MainPSOC)
	if err != nil {
		return 0, err
	}
	if len(pkt.Data) < 2 {
		return 0, xerrors.Errorf("psoc: voltage reply too short (got=%d, want=2)", len(pkt.Data))
	}
	return float64(u16(pkt.Data)) / 1000, nil
}
