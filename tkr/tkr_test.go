// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tkr

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-lpc/aesop/internal/crc6"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type chipSpec struct {
	addr     int
	clusters []Cluster
}

// hitList builds the bit string of a hit list, without CRC nor trailer.
func hitList(fpga, tag int, chips []chipSpec) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "11100111")
	fmt.Fprintf(o, "0")
	fmt.Fprintf(o, "%07b", fpga)
	fmt.Fprintf(o, "%07b0%04b", tag, len(chips))
	for _, chip := range chips {
		fmt.Fprintf(o, "00%04b00%04b", len(chip.clusters), chip.addr)
		for _, c := range chip.clusters {
			fmt.Fprintf(o, "%06b%06b", c.Width-1, c.First)
		}
	}
	return o.String()
}

// crcOf returns the CRC of bits as sent by the FPGA.
func crcOf(bits string) string {
	crc := crc6.New()
	crc.WriteBit(1)
	for _, c := range bits {
		crc.WriteBit(uint8(c - '0'))
	}
	return fmt.Sprintf("%06b", crc.Sum6())
}

// pack packs a bit string into bytes, padding with zeros.
func pack(bits string) []byte {
	p := make([]byte, (len(bits)+7)/8)
	for i, c := range bits {
		if c == '1' {
			p[i/8] |= 1 << uint(7-i%8)
		}
	}
	return p
}

func seal(bits string) []byte {
	return pack(bits + crcOf(bits) + "11")
}

func TestCursor(t *testing.T) {
	cur := NewCursor([]byte{0xe7, 0x5a, 0xff})
	require.Equal(t, 24, cur.Len())

	v, err := cur.ReadBits(8)
	require.NoError(t, err)
	require.Equal(t, uint32(0xe7), v)

	v, err = cur.ReadBits(3)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2), v) // 010

	v, err = cur.ReadBits(7)
	require.NoError(t, err)
	require.Equal(t, uint32(0x6b), v) // 11010 11

	require.Equal(t, 18, cur.Pos())
	require.Equal(t, 6, cur.Len())

	_, err = cur.ReadBits(7)
	require.Error(t, err)
	require.Equal(t, 18, cur.Pos())

	require.NoError(t, cur.Skip(6))
	require.Error(t, cur.Skip(1))

	_, err = cur.ReadBits(33)
	require.EqualError(t, err, "tkr: invalid bit field width 33")
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		raw    []byte
		strips []float64
		faults []Fault
		code   int
	}{
		{
			name:   "empty",
			raw:    nil,
			faults: []Fault{FaultEmpty},
			code:   -1,
		},
		{
			name:   "bad-preamble",
			raw:    []byte{0xe6, 0x00, 0x00},
			faults: []Fault{FaultPreamble},
			code:   -2,
		},
		{
			name:   "preamble-only",
			raw:    []byte{0xe7},
			faults: []Fault{FaultTruncated},
			code:   1,
		},
		{
			name: "two-chips",
			raw: seal(hitList(3, 5, []chipSpec{
				{addr: 0, clusters: []Cluster{{Width: 2, First: 10}}},
				{addr: 1},
			})),
			strips: []float64{53},
		},
		{
			name: "lowest-strip",
			raw: seal(hitList(1, 0, []chipSpec{
				{addr: 0, clusters: []Cluster{{Width: 1, First: 0}}},
			})),
			strips: []float64{63.5},
		},
		{
			name: "highest-chip",
			raw: seal(hitList(1, 0, []chipSpec{
				{addr: 11, clusters: []Cluster{{Width: 3, First: 61}}},
			})),
			strips: []float64{705.5},
		},
		{
			name: "chip-address-13",
			raw: seal(hitList(1, 0, []chipSpec{
				{addr: 13, clusters: []Cluster{{Width: 1, First: 0}}},
			})),
			strips: []float64{64*14 - 0.5},
			faults: []Fault{FaultChipAddress},
			code:   1,
		},
		{
			name:   "no-chips",
			raw:    seal(hitList(7, 0x7f, nil)),
			strips: []float64{},
		},
		{
			name: "bad-crc",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{
					{addr: 4, clusters: []Cluster{{Width: 1, First: 1}}},
				})
				crc := []byte(crcOf(bits))
				crc[0] ^= 1
				return pack(bits + string(crc) + "11")
			}(),
			strips: []float64{64*5 - 1.5},
			faults: []Fault{FaultCRC},
			code:   1,
		},
		{
			name: "bad-trailer",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{{addr: 4}})
				return pack(bits + crcOf(bits) + "10")
			}(),
			strips: []float64{},
			faults: []Fault{FaultTrailer},
			code:   1,
		},
		{
			name: "truncated-cluster",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{
					{addr: 4, clusters: []Cluster{{Width: 1, First: 1}, {Width: 1, First: 2}}},
				})
				return pack(bits[:len(bits)-12])
			}(),
			strips: []float64{64*5 - 1.5},
			faults: []Fault{FaultTruncated},
			code:   1,
		},
		{
			name: "missing-crc",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{{addr: 4}})
				return pack(bits)
			}(),
			strips: []float64{},
			faults: []Fault{FaultTruncated},
			code:   1,
		},
		{
			name: "extra-bytes",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{{addr: 4}})
				return append(seal(bits), 0x00)
			}(),
			strips: []float64{},
			faults: []Fault{FaultLength},
			code:   1,
		},
		{
			name: "crc-and-address",
			raw: func() []byte {
				bits := hitList(2, 1, []chipSpec{
					{addr: 15, clusters: []Cluster{{Width: 1, First: 1}}},
				})
				return pack(bits + "000000" + "11")
			}(),
			strips: []float64{64*16 - 1.5},
			faults: []Fault{FaultChipAddress, FaultCRC},
			code:   2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			evt := Decode(3, tc.raw)
			if tc.strips != nil {
				require.Equal(t, tc.strips, evt.Strips())
			}
			if diff := cmp.Diff(tc.faults, evt.Faults); diff != "" {
				t.Fatalf("invalid faults (-want +got):\n%s", diff)
			}
			require.Equal(t, tc.code, evt.Code())
		})
	}
}

func TestDecodeFields(t *testing.T) {
	bits := hitList(0x45, 0x21, []chipSpec{
		{addr: 2, clusters: []Cluster{{Width: 4, First: 7}, {Width: 1, First: 63}}},
		{addr: 9},
	})
	evt := Decode(5, seal(bits))
	require.Empty(t, evt.Faults)

	want := Event{
		Layer: 5,
		FPGA:  0x45,
		Tag:   0x21,
		Chips: []Chip{
			{Addr: 2, Clusters: []Cluster{{Width: 4, First: 7}, {Width: 1, First: 63}}},
			{Addr: 9, Clusters: []Cluster{}},
		},
		Hits: []Hit{
			{Layer: 5, Chip: 2, Strip: 192 - 9},
			{Layer: 5, Chip: 2, Strip: 192 - 63.5},
		},
		CRC:     evt.CRCComp,
		CRCComp: evt.CRCComp,
	}
	if diff := cmp.Diff(want, evt); diff != "" {
		t.Fatalf("invalid event (-want +got):\n%s", diff)
	}
}

func TestDecodeFlags(t *testing.T) {
	// FPGA error flag, chip overflow, error and parity bits.
	bits := "11100111" + "0" + "0000001" + "0000011" + "1" + "0001" +
		"10" + "0000" + "1" + "1" + "0011"
	evt := Decode(0, seal(bits))
	require.Empty(t, evt.Faults)
	require.True(t, evt.Error)
	require.Equal(t, uint8(3), evt.Tag)
	require.Len(t, evt.Chips, 1)

	chip := evt.Chips[0]
	require.True(t, chip.Overflow)
	require.True(t, chip.Error)
	require.True(t, chip.Parity)
	require.Equal(t, 3, chip.Addr)
	require.Empty(t, evt.Hits)
}

func TestFaultString(t *testing.T) {
	for _, tc := range []struct {
		f    Fault
		want string
	}{
		{FaultEmpty, "empty hit list"},
		{FaultCRC, "CRC mismatch"},
		{Fault(42), "Fault(42)"},
	} {
		require.Equal(t, tc.want, tc.f.String())
	}
}
