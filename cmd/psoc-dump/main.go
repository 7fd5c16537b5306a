// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// psoc-dump decodes and displays captures of the bytes sent by the PSOCs.
//
// Usage: psoc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> psoc-dump -mode=framed ./testdata/run-42.raw
//	=== packet 0: reply(0x3c) (len=88) ===
//	begin-of-run record:
//	  Run number 42
//	[...]
//	=== packet 1: event (len=63) ===
//	Event 1: 100 2020-06-01 12:00:00   rc=0
//	  ADC: 10, 20, 30, 40, 50
//	[...]
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/aesop/daq"
	"github.com/go-lpc/aesop/psoc"
)

func main() {
	log.SetPrefix("psoc-dump: ")
	log.SetFlags(0)

	var (
		mode = flag.String("mode", "contiguous", "inbound packet layout (contiguous|framed)")
		dbg  = flag.Bool("dbg", false, "event records hold TOF debug information")
	)

	flag.Usage = func() {
		fmt.Printf(`psoc-dump decodes and displays captures of the bytes sent by the PSOCs.

Usage: psoc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> psoc-dump -mode=framed ./testdata/run-42.raw

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input capture file")
	}

	m, err := psoc.ParseMode(*mode)
	if err != nil {
		log.Fatalf("invalid -mode: %+v", err)
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, m, *dbg)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, mode psoc.Mode, dbg bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	dec := psoc.NewDecoder(bufio.NewReader(f), mode)
	dec.SetLogger(log.New(wbuf, "", 0))

	for i := 0; ; i++ {
		pkt, err := dec.ReadAny()
		switch {
		case err == nil:
			// ok.
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, psoc.ErrMalformedHeader):
			fmt.Fprintf(wbuf, "=== packet %d: %v ===\n", i, err)
			continue
		default:
			return fmt.Errorf("could not decode packet %d: %w", i, err)
		}

		fmt.Fprintf(wbuf, "=== packet %d: %v (len=%d) ===\n", i, pkt.Tag, pkt.Len())
		err = display(wbuf, pkt, dbg)
		if err != nil {
			fmt.Fprintf(wbuf, "could not decode %v packet: %v\n", pkt.Tag, err)
		}
	}
}

func display(w io.Writer, pkt psoc.Packet, dbg bool) error {
	switch {
	case pkt.Tag == psoc.TagEvent:
		evt, err := daq.DecodeEvent(pkt.Data, dbg)
		if err != nil {
			return err
		}
		return daq.WriteEvent(w, evt)

	case pkt.Tag.Async():
		return psoc.Report(w, pkt)

	case bytes.HasPrefix(pkt.Data, []byte("BOFR")):
		bor, err := daq.DecodeBOR(pkt.Data)
		if err != nil {
			return err
		}
		return bor.Dump(w)

	case bytes.HasPrefix(pkt.Data, []byte("EOR")):
		eor, err := daq.DecodeEOR(pkt.Data)
		if err != nil {
			return err
		}
		return eor.Dump(w)

	case pkt.Tag == psoc.Tag(psoc.OpReadErrors):
		errs := psoc.DecodeErrors(pkt.Data)
		if len(errs) == 0 {
			_, err := fmt.Fprintf(w, "no errors encountered.\n")
			return err
		}
		for _, e := range errs {
			_, err := fmt.Fprintf(w, "error code=%d info=0x%02x 0x%02x\n", e.Code, e.Info1, e.Info2)
			if err != nil {
				return err
			}
		}
		return nil
	}

	_, err := fmt.Fprintf(w, "echo=%x data=%x\n", pkt.Echo, pkt.Data)
	return err
}
