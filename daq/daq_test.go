// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/aesop/internal/crc6"
	"github.com/go-lpc/aesop/internal/fakedev"
	"github.com/go-lpc/aesop/psoc"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/stat"
)

var discard = log.New(io.Discard, "", 0)

func mkBOR(run uint16) []byte {
	p := make([]byte, borLen)
	copy(p, borMagic)
	binary.BigEndian.PutUint16(p[4:], run)
	p[10], p[11] = 2, 7
	p[12] = 30
	binary.BigEndian.PutUint16(p[16:], 300)
	p[25], p[26], p[27], p[28] = 3, 1, 4, 2
	p[borBoard+5*2+2] = 1
	return p
}

func mkEOR(run uint16, cntGo, cntGo1 uint32) []byte {
	p := make([]byte, eorLen)
	copy(p, eorMagic)
	binary.BigEndian.PutUint16(p[3:], run)
	binary.BigEndian.PutUint32(p[5:], cntGo1)
	binary.BigEndian.PutUint32(p[9:], cntGo)
	p[13] = 1
	binary.BigEndian.PutUint16(p[eorLayer+eorLayerLen*7:], 513)
	p[eorCounters+5] = 6
	return p
}

type evtSpec struct {
	trig   uint32
	stamp  uint32
	status uint8
	adc    [5]uint16
	dtmin  int16
	layers [][]byte
}

func mkEvent(evt evtSpec) []byte {
	p := make([]byte, evtHdrLen)
	copy(p, "EVT!")
	binary.BigEndian.PutUint32(p[6:], evt.trig)
	binary.BigEndian.PutUint32(p[10:], evt.stamp)
	p[22] = evt.status
	for i, v := range evt.adc {
		binary.BigEndian.PutUint16(p[23+2*i:], v)
	}
	binary.BigEndian.PutUint16(p[33:], uint16(evt.dtmin))
	p[39] = uint8(len(evt.layers))
	for _, lyr := range evt.layers {
		p = append(p, uint8(len(lyr)))
		p = append(p, lyr...)
	}
	return p
}

// hitList returns the hit list of a board with one chip at address 0
// holding one cluster.
func hitList(fpga, width, first int) []byte {
	bits := fmt.Sprintf("11100111"+"0"+"%07b"+"0000001"+"0"+"0001"+"00"+"0001"+"00"+"0000"+"%06b%06b",
		fpga, width-1, first,
	)
	crc := crc6.New()
	crc.WriteBit(1)
	for _, c := range bits {
		crc.WriteBit(uint8(c - '0'))
	}
	bits += fmt.Sprintf("%06b", crc.Sum6()) + "11"

	p := make([]byte, (len(bits)+7)/8)
	for i, c := range bits {
		if c == '1' {
			p[i/8] |= 1 << uint(7-i%8)
		}
	}
	return p
}

func mkHK(run uint16) []byte {
	p := make([]byte, 81)
	copy(p, "HAUS")
	binary.BigEndian.PutUint16(p[4:], run)
	return p
}

type monitor struct {
	pkts []psoc.Packet
}

func (mon *monitor) Publish(pkt psoc.Packet) error {
	mon.pkts = append(mon.pkts, pkt)
	return nil
}

var runEvents = []evtSpec{
	{
		trig: 1, stamp: 100, status: TrgPMT1 | TrgTkr0,
		adc: [5]uint16{10, 20, 30, 40, 50}, dtmin: 12,
		layers: [][]byte{hitList(3, 2, 10)},
	},
	{
		trig: 2, stamp: 300, status: TrgPMT1 | TrgGuard,
		adc: [5]uint16{12, 22, 32, 42, 52}, dtmin: -4,
	},
	{
		trig: 3, stamp: 700, status: TrgPMT2 | TrgTkr1,
		adc: [5]uint16{16, 24, 30, 46, 50}, dtmin: 7,
		layers: [][]byte{hitList(1, 1, 0), {0xe6, 0x00}},
	},
}

func newRunDevice(run uint16, evts []evtSpec, strays int) *fakedev.Device {
	return fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpStartRun:
			pkts := []psoc.Packet{
				{Tag: psoc.Tag(cmd.Op), Echo: cmd.Args, Data: mkBOR(run)},
				{Tag: psoc.TagHK, Data: mkHK(run)},
			}
			for _, evt := range evts {
				pkts = append(pkts, psoc.Packet{Tag: psoc.TagEvent, Data: mkEvent(evt)})
			}
			return pkts
		case psoc.OpStopRun:
			var pkts []psoc.Packet
			for i := 0; i < strays; i++ {
				pkts = append(pkts, psoc.Packet{
					Tag:  psoc.TagEvent,
					Data: mkEvent(evtSpec{trig: uint32(100 + i)}),
				})
			}
			return append(pkts, psoc.Packet{Tag: psoc.Tag(cmd.Op), Data: mkEOR(run, 30, 10)})
		case psoc.OpReadErrors:
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: []byte{0, 0, 0}}}
		}
		return nil
	})
}

func TestRun(t *testing.T) {
	const run = 42
	var (
		dir = t.TempDir()
		dev = newRunDevice(run, runEvents, 2)
		mon = new(monitor)
	)
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	ctl := New(conn,
		WithLogger(discard),
		WithOutputDir(dir),
		WithDump(true),
		WithHistos(true),
		WithMonitor(mon),
	)

	sum, err := ctl.Run(context.Background(), Params{
		Run: run, Events: len(runEvents), ReadTracker: true,
	})
	require.NoError(t, err)
	require.Equal(t, Done, ctl.State())

	require.Equal(t, uint16(run), sum.Run)
	require.Equal(t, uint16(run), sum.BOR.Run)
	require.Equal(t, uint16(300), sum.BOR.DAC.T2)
	require.Equal(t, [4]uint8{1, 2, 3, 4}, sum.BOR.Settling)
	require.Equal(t, uint8(1), sum.BOR.Boards[2].Layers)
	require.Equal(t, uint16(run), sum.EOR.Run)
	require.Equal(t, uint16(513), sum.EOR.Layers[7].Trigs)
	require.Equal(t, uint8(6), sum.EOR.Counters.TkrResets)

	require.Equal(t, len(runEvents), sum.Events)
	require.Equal(t, 0, sum.Bad)
	require.Equal(t, 2, sum.Strays)
	require.Len(t, mon.pkts, 1)

	st := sum.Stats
	require.Equal(t, 3, st.N)
	require.Equal(t, 2, st.NADC)
	require.Equal(t, 2, st.PMT1)
	require.Equal(t, 1, st.PMT2)
	require.Equal(t, 1, st.Tkr0)
	require.Equal(t, 1, st.Tkr1)
	require.Equal(t, 1, st.Guard)
	require.Equal(t, 2, st.Hits)
	require.Equal(t, 1, st.BadTkr)

	var (
		tofs []float64
		adcs [5][]float64
	)
	for i, evt := range runEvents {
		tofs = append(tofs, 10*float64(evt.dtmin))
		if i == 0 {
			continue
		}
		for j, v := range evt.adc {
			adcs[j] = append(adcs[j], float64(v))
		}
	}

	res := sum.Results
	require.InDelta(t, stat.Mean(tofs, nil), res.TOFMean, 1e-9)
	require.InDelta(t, popStdDev(tofs), res.TOFSigma, 1e-9)
	for i := range adcs {
		require.InDelta(t, stat.Mean(adcs[i], nil), res.ADCMean[i], 1e-9, "ADC %d", i)
		require.InDelta(t, popStdDev(adcs[i]), res.ADCSigma[i], 1e-9, "ADC %d", i)
	}
	require.InDelta(t, 2.0/3.0, res.HitsMean, 1e-9)
	require.InDelta(t, 1.5, res.DeltaT, 1e-9)
	require.InDelta(t, 0.75, res.Live, 1e-9)

	var ops []uint8
	for _, cmd := range dev.Commands() {
		ops = append(ops, cmd.Op)
	}
	require.Equal(t, []uint8{psoc.OpStartRun, psoc.OpStopRun}, ops)
	require.Equal(t, []byte{0, run, 1, 0}, dev.Commands()[0].Args)

	nt, err := os.ReadFile(filepath.Join(dir, NtupleName(run)))
	require.NoError(t, err)
	require.Equal(t,
		"1 10 20 30 40 50 1 9999 9999 120 0 0 100 0\n"+
			"2 12 22 32 42 52 0 9999 9999 -40 0 0 200 0\n"+
			"3 16 24 30 46 50 1 9999 9999 70 0 0 400 -2\n",
		string(nt),
	)

	dump, err := os.ReadFile(filepath.Join(dir, DumpName(run)))
	require.NoError(t, err)
	for _, line := range []string{
		"Starting run 42 on ",
		"Event 1: 100 ",
		"  ADC: 10, 20, 30, 40, 50\n",
		"  TOF: 120  nA=0  nB=0  refA=9999  refB=9999  clkA=9999  clkB=9999 \n",
		"    Lyr 3: 53.0 \n",
		"    Lyr 1: 63.5 \n",
	} {
		require.Contains(t, string(dump), line)
	}

	yoda, err := os.ReadFile(filepath.Join(dir, HistosName(run)))
	require.NoError(t, err)
	require.Contains(t, string(yoda), "/run-42/adc-T1")
	require.Contains(t, string(yoda), "/run-42/hits")
}

func popStdDev(x []float64) float64 {
	n := float64(len(x))
	return math.Sqrt(stat.Variance(x, nil) * (n - 1) / n)
}

func TestRunSingleEvent(t *testing.T) {
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpStartRun:
			return []psoc.Packet{
				{Tag: psoc.Tag(cmd.Op), Echo: cmd.Args, Data: mkBOR(1)},
				{Tag: psoc.TagEvent, Data: mkEvent(runEvents[0])},
			}
		case psoc.OpStopRun:
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: mkEOR(1, 0, 0)}}
		}
		return nil
	})
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	ctl := New(conn, WithLogger(discard), WithOutputDir(t.TempDir()))

	sum, err := ctl.Run(context.Background(), Params{Run: 1, Events: 1})
	require.NoError(t, err)

	res := sum.Results
	require.Equal(t, 1, sum.Events)
	require.Equal(t, 0.0, res.DeltaT)
	require.Equal(t, 0.0, res.Live)
	require.Equal(t, [5]float64{}, res.ADCMean)
	require.Equal(t, [5]float64{}, res.ADCSigma)
	require.Equal(t, 120.0, res.TOFMean)
	require.Equal(t, 0.0, res.TOFSigma)
	require.False(t, math.IsNaN(res.HitsMean))
	require.Equal(t, []byte{0, 1, 0, 0}, dev.Commands()[0].Args)
}

func TestRunNoEOR(t *testing.T) {
	dev := newRunDevice(7, runEvents[:1], 25)
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	msg := new(strings.Builder)
	ctl := New(conn, WithLogger(log.New(msg, "", 0)), WithOutputDir(t.TempDir()))

	_, err := ctl.Run(context.Background(), Params{Run: 7, Events: 1})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, ErrNoEOR), "invalid error: %+v", err)
	require.Equal(t, AwaitingEOR, ctl.State())
	require.Contains(t, msg.String(), "could not find an EOR record")

	require.Equal(t, []uint8{psoc.OpStartRun, psoc.OpStopRun, psoc.OpReadErrors}, ops(dev))
}

func TestRunNoBOR(t *testing.T) {
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		if cmd.Op == psoc.OpReadErrors {
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: []byte{0x21, 0x3c, 0x00}}}
		}
		return nil
	})
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(4))
	ctl := New(conn, WithLogger(discard), WithOutputDir(t.TempDir()), WithRetries(3, 0))

	_, err := ctl.Run(context.Background(), Params{Run: 2, Events: 10})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, ErrNoBOR), "invalid error: %+v", err)
	require.Equal(t, AwaitingBOR, ctl.State())

	// one drain per sync loss, plus the final one.
	require.Equal(t, []uint8{
		psoc.OpStartRun,
		psoc.OpReadErrors, psoc.OpReadErrors, psoc.OpReadErrors,
		psoc.OpReadErrors,
	}, ops(dev))
}

func ops(dev *fakedev.Device) []uint8 {
	var ops []uint8
	for _, cmd := range dev.Commands() {
		ops = append(ops, cmd.Op)
	}
	return ops
}

func TestRunBORAfterDrain(t *testing.T) {
	drains := 0
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpReadErrors:
			drains++
			pkts := []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: []byte{7, 1, 2}}}
			if drains == 1 {
				// the firmware releases the BOR once its error queue is read.
				pkts = append(pkts,
					psoc.Packet{Tag: psoc.Tag(psoc.OpStartRun), Data: mkBOR(5)},
					psoc.Packet{Tag: psoc.TagEvent, Data: mkEvent(runEvents[0])},
				)
			}
			return pkts
		case psoc.OpStopRun:
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: mkEOR(5, 1, 0)}}
		}
		return nil
	})
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	ctl := New(conn, WithLogger(discard), WithOutputDir(t.TempDir()), WithRetries(3, 3))

	sum, err := ctl.Run(context.Background(), Params{Run: 5, Events: 1})
	require.NoError(t, err)
	require.Equal(t, Done, ctl.State())
	require.Equal(t, 1, drains)
	require.Equal(t, 1, sum.Events)
	require.Equal(t, uint16(5), sum.BOR.Run)
	require.Equal(t, []uint8{psoc.OpStartRun, psoc.OpReadErrors, psoc.OpStopRun}, ops(dev))
}

func TestRunShortEOR(t *testing.T) {
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpStartRun:
			return []psoc.Packet{
				{Tag: psoc.Tag(cmd.Op), Echo: cmd.Args, Data: mkBOR(6)},
				{Tag: psoc.TagEvent, Data: mkEvent(runEvents[0])},
			}
		case psoc.OpStopRun:
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: append([]byte("EOR"), 0, 6, 1)}}
		case psoc.OpReadErrors:
			return []psoc.Packet{{Tag: psoc.Tag(cmd.Op), Data: []byte{0, 0, 0}}}
		}
		return nil
	})
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	msg := new(strings.Builder)
	ctl := New(conn, WithLogger(log.New(msg, "", 0)), WithOutputDir(t.TempDir()), WithRetries(0, 2))

	sum, err := ctl.Run(context.Background(), Params{Run: 6, Events: 1})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, ErrNoEOR), "invalid error: %+v", err)
	require.Equal(t, AwaitingEOR, ctl.State())
	require.Equal(t, 1, sum.Strays)
	require.Contains(t, msg.String(), "could not decode EOR record")
	require.Contains(t, msg.String(), "could not find an EOR record")

	got := ops(dev)
	require.Equal(t, []uint8{psoc.OpStartRun, psoc.OpStopRun}, got[:2])
	require.Equal(t, psoc.OpReadErrors, got[len(got)-1])
}

func TestRunCancel(t *testing.T) {
	dev := newRunDevice(3, nil, 0)
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	ctl := New(conn, WithLogger(discard), WithOutputDir(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := ctl.Run(ctx, Params{Run: 3, Events: 1000})
	require.NoError(t, err)
	require.Equal(t, 0, sum.Events)
	require.Equal(t, Done, ctl.State())
	require.InDelta(t, 0.75, sum.Results.Live, 1e-9)
}

func TestRunBadEvent(t *testing.T) {
	evts := []evtSpec{runEvents[0], runEvents[1]}
	dev := fakedev.New(psoc.Contiguous, func(cmd fakedev.Cmd) []psoc.Packet {
		switch cmd.Op {
		case psoc.OpStartRun:
			return []psoc.Packet{
				{Tag: psoc.Tag(cmd.Op), Echo: cmd.Args, Data: mkBOR(5)},
				{Tag: psoc.TagEvent, Data: []byte("EVT!short")},
				{Tag: psoc.TagTOFEvent, Data: []byte{1, 2, 3}},
				{Tag: psoc.TagEvent, Data: mkEvent(evts[0])},
				{Tag: psoc.TagEvent, Data: mkEvent(evts[1])},
			}
		case psoc.OpStopRun:
			return []psoc.Packet{
				{Tag: psoc.Tag(cmd.Op), Data: append([]byte("ERR"), 1, 2, 3)},
				{Tag: psoc.Tag(cmd.Op), Data: mkEOR(5, 2, 0)},
			}
		}
		return nil
	})
	conn := psoc.NewConn(dev, psoc.WithLogger(discard), psoc.WithScanBound(8))
	ctl := New(conn, WithLogger(discard), WithOutputDir(t.TempDir()))

	sum, err := ctl.Run(context.Background(), Params{Run: 5, Events: 3})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Bad)
	require.Equal(t, 2, sum.Events)
	require.Equal(t, 1, sum.Strays)
	require.Equal(t, 1.0, sum.Results.Live)
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{AwaitingBOR, "awaiting-bor"},
		{ReadingEvents, "reading-events"},
		{AwaitingEOR, "awaiting-eor"},
		{Done, "done"},
		{State(42), "invalid"},
	} {
		require.Equal(t, tc.want, tc.s.String())
	}
}
