// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
)

// NtupleName returns the name of the ntuple file of a run.
func NtupleName(run uint16) string { return fmt.Sprintf("nTuple_run%d.txt", run) }

// DumpName returns the name of the event dump file of a run.
func DumpName(run uint16) string { return fmt.Sprintf("dataOutput_run%d.txt", run) }

// HistosName returns the name of the histograms file of a run.
func HistosName(run uint16) string { return fmt.Sprintf("histos_run%d.yoda", run) }

// WriteNtuple writes the ntuple line of evt to w:
//
//	trigger T1 T2 T3 T4 G nhits tofA tofB dtmin nTOFA nTOFB dt rc
//
// where dt is the time stamp difference with the previous event.
func WriteNtuple(w io.Writer, evt Event, dt int64) error {
	_, err := fmt.Fprintf(w, "%d %d %d %d %d %d %d %d %d %d %d %d %d %d\n",
		evt.Trigger,
		evt.ADC[0], evt.ADC[1], evt.ADC[2], evt.ADC[3], evt.ADC[4],
		evt.Hits(), evt.TOFA, evt.TOFB, evt.DTMin,
		evt.NTOFA, evt.NTOFB, dt, evt.Code(),
	)
	return err
}

// WriteEvent writes a human readable description of evt to w.
func WriteEvent(w io.Writer, evt Event) error {
	var (
		err    error
		printf = func(format string, args ...interface{}) {
			_, e := fmt.Fprintf(w, format, args...)
			if err == nil {
				err = e
			}
		}
	)

	printf("Event %d: %d %v   rc=%d\n", evt.Trigger, evt.Stamp, evt.Time, evt.Code())
	printf("  ADC: %d, %d, %d, %d, %d\n", evt.ADC[0], evt.ADC[1], evt.ADC[2], evt.ADC[3], evt.ADC[4])
	printf("  TOF: %d  nA=%d  nB=%d  refA=%d  refB=%d  clkA=%d  clkB=%d \n",
		evt.DTMin, evt.NTOFA, evt.NTOFB, evt.TOFA, evt.TOFB, evt.ClkA, evt.ClkB,
	)
	for _, lyr := range evt.Layers {
		printf("    Lyr %d:", lyr.FPGA)
		for _, hit := range lyr.Hits {
			printf(" %.1f ", hit.Strip)
		}
		printf("\n")
	}
	return err
}

// output holds the files written during a run.
type output struct {
	files []*os.File
	nt    *bufio.Writer
	dump  *bufio.Writer
	hist  *Histos
	hname string
}

func (ctl *Controller) create(p Params) (*output, error) {
	var (
		out = new(output)
		dir = ctl.cfg.odir
	)

	create := func(name string) (*bufio.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out.files = append(out.files, f)
		return bufio.NewWriter(f), nil
	}

	var err error
	out.nt, err = create(NtupleName(p.Run))
	if err != nil {
		return nil, xerrors.Errorf("daq: could not create ntuple file: %w", err)
	}

	if ctl.cfg.dump {
		out.dump, err = create(DumpName(p.Run))
		if err != nil {
			_ = out.close()
			return nil, xerrors.Errorf("daq: could not create event dump file: %w", err)
		}
		_, err = fmt.Fprintf(out.dump, "Starting run %d on %s\n", p.Run, ctl.cfg.now().Format(time.ANSIC))
		if err != nil {
			_ = out.close()
			return nil, xerrors.Errorf("daq: could not write event dump header: %w", err)
		}
	}

	if ctl.cfg.histos {
		out.hist = NewHistos(p.Run)
		out.hname = filepath.Join(dir, HistosName(p.Run))
	}

	return out, nil
}

func (out *output) event(evt Event, dt int64) error {
	err := WriteNtuple(out.nt, evt, dt)
	if err != nil {
		return xerrors.Errorf("daq: could not write ntuple: %w", err)
	}

	if out.dump != nil {
		err = WriteEvent(out.dump, evt)
		if err != nil {
			return xerrors.Errorf("daq: could not write event dump: %w", err)
		}
	}

	if out.hist != nil {
		out.hist.Fill(evt)
	}
	return nil
}

func (out *output) close() error {
	var err error
	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}

	for _, w := range []*bufio.Writer{out.nt, out.dump} {
		if w == nil {
			continue
		}
		setErr(w.Flush())
	}
	for _, f := range out.files {
		setErr(f.Close())
	}
	out.files = nil

	if out.hist != nil {
		f, e := os.Create(out.hname)
		if e != nil {
			setErr(xerrors.Errorf("daq: could not create histograms file: %w", e))
			return err
		}
		setErr(out.hist.WriteYODA(f))
		setErr(f.Close())
		out.hist = nil
	}
	return err
}
