// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tkr decodes the hit lists read out from the tracker boards.
//
// A hit list is a bit stream, not aligned on bytes:
//
//	preamble  8 bits  11100111, followed by 1 unused bit
//	FPGA      7 bits  board address
//	header   12 bits  event tag (7), error flag (1), number of chips (4)
//	per chip 12 bits  overflow (1), unused (1), clusters (4), error (1),
//	                  parity error (1), chip address (4)
//	  per cluster 12 bits  width-1 (6), first strip (6)
//	CRC       6 bits
//	trailer   2 bits  11
//
// The stream is padded with at most 7 bits to a byte boundary.
package tkr // import "github.com/go-lpc/aesop/tkr"

import (
	"fmt"

	"github.com/go-lpc/aesop/internal/crc6"
)

const (
	preamble = 0xe7 // 11100111
	trailer  = 0x3

	maxChip       = 12
	stripsPerChip = 64
)

// Fault describes a structural problem found while decoding a hit list.
type Fault uint8

const (
	FaultEmpty       Fault = iota + 1 // no data for this layer
	FaultPreamble                     // invalid preamble
	FaultChipAddress                  // chip address above 12
	FaultTruncated                    // stream shorter than declared
	FaultCRC                          // CRC mismatch
	FaultTrailer                      // trailer is not 11
	FaultLength                       // stream longer than declared
)

func (f Fault) String() string {
	switch f {
	case FaultEmpty:
		return "empty hit list"
	case FaultPreamble:
		return "bad preamble"
	case FaultChipAddress:
		return "chip address out of range"
	case FaultTruncated:
		return "truncated hit list"
	case FaultCRC:
		return "CRC mismatch"
	case FaultTrailer:
		return "missing trailer"
	case FaultLength:
		return "extra bits after trailer"
	}
	return fmt.Sprintf("Fault(%d)", uint8(f))
}

// Cluster is a run of contiguous hit channels on one chip.
type Cluster struct {
	Width int
	First int // first strip, within the chip
}

// Centroid returns the cluster center, within the chip.
func (c Cluster) Centroid() float64 {
	return float64(c.First) + 0.5 + float64(c.Width-1)/2
}

// Chip is the readout of one ASIC.
type Chip struct {
	Addr     int
	Overflow bool
	Error    bool
	Parity   bool
	Clusters []Cluster
}

// Hit is a cluster position on a tracker layer.
type Hit struct {
	Layer int
	Chip  int
	Strip float64
}

// StripOf maps a cluster of the chip at addr to its position along the
// layer. Chips are wired in descending strip order.
func StripOf(addr int, c Cluster) float64 {
	return float64(stripsPerChip*(addr+1)) - c.Centroid()
}

// Event is the decoded hit list of one tracker layer.
type Event struct {
	Layer int
	FPGA  uint8
	Tag   uint8
	Error bool
	Chips []Chip
	Hits  []Hit

	CRC     uint8 // transmitted CRC
	CRCComp uint8 // recomputed CRC

	Faults []Fault
}

// Code summarizes the faults of the hit list:
// -1 for an empty list, -2 for a bad preamble, the number of faults
// otherwise.
func (evt Event) Code() int {
	for _, f := range evt.Faults {
		switch f {
		case FaultEmpty:
			return -1
		case FaultPreamble:
			return -2
		}
	}
	return len(evt.Faults)
}

// Strips returns the positions of all hits.
func (evt Event) Strips() []float64 {
	strips := make([]float64, len(evt.Hits))
	for i, hit := range evt.Hits {
		strips[i] = hit.Strip
	}
	return strips
}

func (evt *Event) fault(f Fault) { evt.Faults = append(evt.Faults, f) }

// Decode decodes the hit list p read out from the given layer.
//
// Decode never fails: structural problems are recorded as faults and the
// hits decoded so far are returned.
func Decode(layer int, p []byte) Event {
	evt := Event{Layer: layer}
	if len(p) == 0 {
		evt.fault(FaultEmpty)
		return evt
	}

	cur := NewCursor(p)
	v, err := cur.ReadBits(8)
	if err != nil || v != preamble {
		evt.fault(FaultPreamble)
		return evt
	}

	if err := cur.Skip(1); err != nil {
		evt.fault(FaultTruncated)
		return evt
	}
	fpga, err := cur.ReadBits(7)
	if err != nil {
		evt.fault(FaultTruncated)
		return evt
	}
	hdr, err := cur.ReadBits(12)
	if err != nil {
		evt.fault(FaultTruncated)
		return evt
	}
	evt.FPGA = uint8(fpga)
	evt.Tag = uint8(hdr >> 5)
	evt.Error = (hdr>>4)&1 == 1

	nchips := int(hdr & 0xf)
	evt.Chips = make([]Chip, 0, nchips)
	for i := 0; i < nchips; i++ {
		hdr, err := cur.ReadBits(12)
		if err != nil {
			evt.fault(FaultTruncated)
			return evt
		}
		chip := Chip{
			Overflow: hdr>>11&1 == 1,
			Error:    hdr>>5&1 == 1,
			Parity:   hdr>>4&1 == 1,
			Addr:     int(hdr & 0xf),
		}
		if chip.Addr > maxChip {
			evt.fault(FaultChipAddress)
		}

		nclus := int((hdr >> 6) & 0xf)
		chip.Clusters = make([]Cluster, 0, nclus)
		for j := 0; j < nclus; j++ {
			v, err := cur.ReadBits(12)
			if err != nil {
				evt.Chips = append(evt.Chips, chip)
				evt.fault(FaultTruncated)
				return evt
			}
			c := Cluster{
				Width: int(v>>6) + 1,
				First: int(v & 0x3f),
			}
			chip.Clusters = append(chip.Clusters, c)
			evt.Hits = append(evt.Hits, Hit{
				Layer: layer,
				Chip:  chip.Addr,
				Strip: StripOf(chip.Addr, c),
			})
		}
		evt.Chips = append(evt.Chips, chip)
	}

	// the FPGA computes the CRC including a start bit, suppressed on the
	// link.
	crc := crc6.New()
	crc.WriteBit(1)
	for i := 0; i < cur.Pos(); i++ {
		crc.WriteBit(cur.Bit(i))
	}
	evt.CRCComp = crc.Sum6()

	v, err = cur.ReadBits(6)
	if err != nil {
		evt.fault(FaultTruncated)
		return evt
	}
	evt.CRC = uint8(v)
	if evt.CRC != evt.CRCComp {
		evt.fault(FaultCRC)
	}

	v, err = cur.ReadBits(2)
	if err != nil || v != trailer {
		evt.fault(FaultTrailer)
		return evt
	}

	if cur.Len() > 7 {
		evt.fault(FaultLength)
	}
	return evt
}
