// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"io"

	"go-hep.org/x/hep/hbook"
	"golang.org/x/xerrors"
)

// Histos are the monitoring histograms filled during a run.
type Histos struct {
	ADC  [5]*hbook.H1D // T1, T2, T3, T4, G
	TOF  *hbook.H1D    // dtmin
	Hits *hbook.H1D    // strip hits per event
}

// NewHistos creates the histograms of a run.
func NewHistos(run uint16) *Histos {
	newH1D := func(name string, n int, min, max float64) *hbook.H1D {
		h := hbook.NewH1D(n, min, max)
		h.Annotation()["name"] = fmt.Sprintf("/run-%d/%s", run, name)
		return h
	}

	var h Histos
	for i, name := range []string{"T1", "T2", "T3", "T4", "G"} {
		h.ADC[i] = newH1D("adc-"+name, 256, 0, 4096)
	}
	h.TOF = newH1D("tof-dtmin", 200, -10000, 10000)
	h.Hits = newH1D("hits", 64, 0, 64)
	return &h
}

// Fill fills the histograms with evt.
func (h *Histos) Fill(evt Event) {
	for i, v := range evt.ADC {
		h.ADC[i].Fill(float64(v), 1)
	}
	h.TOF.Fill(float64(evt.DTMin), 1)
	h.Hits.Fill(float64(evt.Hits()), 1)
}

func (h *Histos) all() []*hbook.H1D {
	return append(h.ADC[:len(h.ADC):len(h.ADC)], h.TOF, h.Hits)
}

// WriteYODA writes all histograms to w in the YODA format.
func (h *Histos) WriteYODA(w io.Writer) error {
	for _, h1 := range h.all() {
		raw, err := h1.MarshalYODA()
		if err != nil {
			return xerrors.Errorf("daq: could not marshal histogram %q: %w", h1.Name(), err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return xerrors.Errorf("daq: could not write histogram %q: %w", h1.Name(), err)
		}
	}
	return nil
}
