// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/aesop/psoc"
)

func record(prefix string, n int) []byte {
	p := make([]byte, n)
	copy(p, prefix)
	return p
}

func TestProcess(t *testing.T) {
	tmp := t.TempDir()

	bor := record("BOFR", 84)
	bor[5] = 42

	evt := record("EVT!", 40)
	evt[9] = 7  // trigger
	evt[24] = 3 // T1

	for _, tc := range []struct {
		name string
		mode psoc.Mode
		pkts []psoc.Packet
		raw  []byte
		want []string
		err  string
	}{
		{
			name: "run",
			mode: psoc.Contiguous,
			pkts: []psoc.Packet{
				{Tag: psoc.Tag(psoc.OpStartRun), Echo: []byte{0, 42, 1, 0}, Data: bor},
				{Tag: psoc.TagEvent, Data: evt},
				{Tag: psoc.TagErrors, Data: []byte{1, 2, 3}},
				{Tag: psoc.Tag(psoc.OpReadErrors), Data: []byte{0, 0, 0}},
				{Tag: psoc.Tag(psoc.OpStopRun), Data: record("EOR", 149)},
			},
			want: []string{
				"=== packet 0: reply(0x3c) (len=88) ===\n",
				"  Run number 42\n",
				"=== packet 1: event (len=40) ===\n",
				"Event 7: 0 ",
				"  ADC: 3, 0, 0, 0, 0\n",
				"=== packet 2: error-record (len=3) ===\n",
				"   byte 2 = 3 decimal, 03 hex\n",
				"=== packet 3: reply(0x03) (len=3) ===\nno errors encountered.\n",
				"=== packet 4: reply(0x44) (len=149) ===\nRun number = 0\n",
			},
		},
		{
			name: "framed",
			mode: psoc.Framed,
			pkts: []psoc.Packet{
				{Tag: psoc.Tag(psoc.OpReadErrors), Data: []byte{0x21, 0x3c, 0x01}},
				{Tag: psoc.TagEvent, Data: evt[:12]},
				{Tag: psoc.Tag(psoc.OpRunCounters), Data: []byte{1, 2}},
			},
			want: []string{
				"error code=33 info=0x3c 0x01\n",
				"could not decode event packet: daq: event record too short (got=12, want>=40)\n",
				"=== packet 2: reply(0x50) (len=2) ===\necho= data=0102\n",
			},
		},
		{
			name: "truncated",
			mode: psoc.Contiguous,
			raw:  []byte{0xdc, 0x00, 0xff, 10, 0x03, 0, 1, 2},
			err:  "could not decode packet 0: psoc: could not read payload of reply(0x03) packet (len=10): unexpected EOF",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.raw
			for _, pkt := range tc.pkts {
				raw = psoc.AppendPacket(raw, pkt, tc.mode)
			}

			fname := filepath.Join(tmp, tc.name+".raw")
			err := os.WriteFile(fname, raw, 0644)
			if err != nil {
				t.Fatalf("could not create capture file: %+v", err)
			}

			out := new(strings.Builder)
			err = process(out, fname, tc.mode, false)
			switch {
			case err != nil && tc.err != "":
				if got, want := err.Error(), tc.err; got != want {
					t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
				}
				return
			case err != nil:
				t.Fatalf("could not process capture: %+v", err)
			case tc.err != "":
				t.Fatalf("expected an error (%s)", tc.err)
			}

			for _, want := range tc.want {
				if !strings.Contains(out.String(), want) {
					t.Fatalf("missing %q in output:\n%s", want, out.String())
				}
			}
		})
	}

	err := process(new(strings.Builder), filepath.Join(tmp, "not-there.raw"), psoc.Contiguous, false)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
