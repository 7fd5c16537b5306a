// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log"
	"strings"
	"testing"

	"github.com/go-lpc/aesop/internal/fakedev"
	"github.com/go-lpc/aesop/psoc"
	"github.com/stretchr/testify/require"
)

func reply(cmd fakedev.Cmd, data ...byte) []psoc.Packet {
	return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Echo: cmd.Args, Data: data}}
}

func TestShell(t *testing.T) {
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpReadVoltage:
			return reply(cmd, 0x13, 0x88)
		case psoc.OpPMTRates:
			return reply(cmd, 0x00, 0xc8, 0x00, 0x01, 0x00, 0x03, 0x00, 0x0a, 0x00, 0x04, 0x00, 0x02)
		case psoc.OpRunCounters:
			data := make([]byte, psoc.RunCountersLen)
			data[5] = 4
			return reply(cmd, data...)
		case psoc.OpReadErrors:
			if cmd.Addr == psoc.MainPSOC {
				return reply(cmd, 0x21, 0x3c, 0x01)
			}
			return reply(cmd, 0, 0, 0)
		case psoc.OpTracker:
			return reply(cmd, 0x00, 0x05, cmd.Args[1])
		}
		return nil
	})

	out := new(strings.Builder)
	sh := &shell{
		conn: psoc.NewConn(dev, psoc.WithLogger(log.New(out, "", 0)), psoc.WithScanBound(8)),
		w:    out,
	}

	for _, tc := range []struct {
		line string
		want string
		err  string
	}{
		{line: "help", want: "  tkrhk     tkrhk interval: "},
		{line: "volt", want: "backplane: 5.000 V\n"},
		{line: "rates", want: "interval: 1.000 s\nguard:    1.000 Hz\nT1:       10.000 Hz\n"},
		{line: "counters", want: "   Number of Tracker resets = 4\n"},
		{line: "errors", want: "no errors encountered.\n"},
		{line: "ERRORS 10", want: "error code=33 info=0x3c 0x01\n"},
		{line: "tkr 3 0x67", want: "tracker command count: 5\n"},
		{line: "send 0x25 10", want: "reply(0x25): echo= data=1388\n"},
		{line: "hk 10 1"},
		{line: "hk 0"},
		{line: "tkrhk 2"},
		{line: "tkrhk 0"},
		{line: "   "},
		{line: "hk", err: "missing housekeeping interval"},
		{line: "tkr 3", err: "missing tracker FPGA and sub-command"},
		{line: "send 0x25", err: "missing command code and address"},
		{line: "volt 256", err: `invalid argument "256": strconv.ParseUint: parsing "256": value out of range`},
		{line: "reboot", err: `unknown command "reboot"`},
		{line: "quit", err: "quit"},
	} {
		t.Run(tc.line, func(t *testing.T) {
			out.Reset()
			err := sh.exec(tc.line)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Contains(t, out.String(), tc.want)
		})
	}

	var ops []uint8
	for _, cmd := range dev.Commands() {
		ops = append(ops, cmd.Op)
	}
	require.Equal(t, []uint8{
		psoc.OpReadVoltage, psoc.OpPMTRates, psoc.OpRunCounters,
		psoc.OpReadErrors, psoc.OpReadErrors, psoc.OpTracker, psoc.OpReadVoltage,
		psoc.OpStartHK, psoc.OpStopHK, psoc.OpStartTkrHK, psoc.OpStopTkrHK,
	}, ops)

	dev.Push(psoc.Packet{Tag: psoc.TagErrors, Data: []byte{1, 2, 3}})
	out.Reset()
	require.NoError(t, sh.exec("read"))
	require.Contains(t, out.String(), "   byte 2 = 3 decimal, 03 hex\n")
}
