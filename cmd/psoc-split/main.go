// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command psoc-split splits a capture of the bytes sent by the PSOCs into
// one file per kind of packet (events, housekeeping, error records and
// command replies).
package main // import "github.com/go-lpc/aesop/cmd/psoc-split"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-lpc/aesop/psoc"
)

var (
	msg = log.New(os.Stdout, "psoc-split: ", 0)
)

func main() {
	xmain(os.Args[1:])
}

func xmain(args []string) {
	var (
		fset = flag.NewFlagSet("psoc-split", flag.ExitOnError)

		oname = fset.String("o", "out.raw", "path to output capture file")
		mode  = fset.String("mode", "contiguous", "inbound packet layout (contiguous|framed)")
	)

	fset.Usage = func() {
		fmt.Printf(`Usage: psoc-split [OPTIONS] file.raw

ex:
 $> psoc-split -o out.raw ./run-42.raw

options:
`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() != 1 {
		fset.Usage()
		msg.Fatalf("missing input capture file")
	}

	if *oname == "" {
		fset.Usage()
		msg.Fatalf("invalid output capture file")
	}

	m, err := psoc.ParseMode(*mode)
	if err != nil {
		msg.Fatalf("invalid -mode: %+v", err)
	}

	for _, arg := range fset.Args() {
		err := process(*oname, m, arg)
		if err != nil {
			msg.Fatalf("could not split capture file %q: %+v", arg, err)
		}
	}
}

type output struct {
	f *os.File
	w *bufio.Writer
	n int
}

func process(oname string, mode psoc.Mode, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open capture file: %w", err)
	}
	defer f.Close()

	out := make(map[string]*output)
	defer func() {
		for _, o := range out {
			o.f.Close()
		}
	}()

	dec := psoc.NewDecoder(bufio.NewReader(f), mode)
	dec.SetLogger(msg)

	var buf []byte
loop:
	for {
		pkt, err := dec.ReadAny()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			break loop
		case errors.Is(err, psoc.ErrMalformedHeader):
			msg.Printf("skipping packet: %v", err)
			continue
		default:
			return fmt.Errorf("could not decode packet: %w", err)
		}

		kind := kindOf(pkt.Tag)
		o, ok := out[kind]
		if !ok {
			oid := outFileFrom(oname, kind)
			msg.Printf("creating output file %q...", oid)
			f, err := os.Create(oid)
			if err != nil {
				return fmt.Errorf("could not create output file: %w", err)
			}
			o = &output{f: f, w: bufio.NewWriter(f)}
			out[kind] = o
		}

		buf = psoc.AppendPacket(buf[:0], pkt, mode)
		_, err = o.w.Write(buf)
		if err != nil {
			return fmt.Errorf("could not write %v packet: %w", pkt.Tag, err)
		}
		o.n++
	}

	for kind, o := range out {
		err := o.w.Flush()
		if err != nil {
			return fmt.Errorf("could not flush %s packets: %w", kind, err)
		}
		err = o.f.Close()
		if err != nil {
			return fmt.Errorf("could not close %s output file: %w", kind, err)
		}
		msg.Printf("%s: %d packets", kind, o.n)
	}
	out = nil

	return nil
}

func kindOf(tag psoc.Tag) string {
	switch tag {
	case psoc.TagEvent, psoc.TagTOFEvent:
		return "evt"
	case psoc.TagHK, psoc.TagTkrHK:
		return "hk"
	case psoc.TagErrors:
		return "err"
	}
	return "reply"
}

func outFileFrom(fname, kind string) string {
	var (
		ext   = filepath.Ext(fname)
		oname = strings.TrimSuffix(fname, ext) + "-" + kind + ext
	)
	return oname
}
