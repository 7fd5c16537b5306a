// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"math"
)

// ticksPerSecond is the frequency of the event time stamp counter.
const ticksPerSecond = 200

// Stats accumulates running statistics over the events of a run.
type Stats struct {
	N    int // number of events
	NADC int // number of events included in the ADC sums

	ADC  [5]float64 // sum of T1, T2, T3, T4, G
	ADC2 [5]float64 // sum of squares
	TOF  float64    // sum of dtmin
	TOF2 float64

	PMT1  int
	PMT2  int
	Tkr0  int
	Tkr1  int
	Guard int

	BadTkr  int     // layers with a non-zero hit-list code
	Hits    int     // strip hits
	TimeSum float64 // sum of time stamp differences, in ticks

	last uint32
}

// Add folds evt into the statistics and returns the time stamp difference
// with the previous event.
//
// The first event of a run is excluded from the ADC sums and from the
// inter-event time.
func (st *Stats) Add(evt Event) int64 {
	dt := int64(evt.Stamp) - int64(st.last)
	if st.N > 0 {
		st.TimeSum += float64(dt)
	}
	st.last = evt.Stamp

	if evt.Status&TrgPMT1 != 0 {
		st.PMT1++
	}
	if evt.Status&TrgPMT2 != 0 {
		st.PMT2++
	}
	if evt.Status&TrgTkr0 != 0 {
		st.Tkr0++
	}
	if evt.Status&TrgTkr1 != 0 {
		st.Tkr1++
	}
	if evt.Status&TrgGuard != 0 {
		st.Guard++
	}

	st.BadTkr += evt.Bad()
	st.Hits += evt.Hits()

	tof := float64(evt.DTMin)
	st.TOF += tof
	st.TOF2 += tof * tof

	if st.N > 0 {
		st.NADC++
		for i, v := range evt.ADC {
			x := float64(v)
			st.ADC[i] += x
			st.ADC2[i] += x * x
		}
	}
	st.N++
	return dt
}

// Results are the finalized statistics of a run.
type Results struct {
	ADCMean  [5]float64
	ADCSigma [5]float64
	TOFMean  float64
	TOFSigma float64
	HitsMean float64 // average number of hits per event
	DeltaT   float64 // average time between events, in seconds
	Live     float64 // live-time fraction
}

// Finalize computes means and standard deviations.
// Quantities with no entries are reported as 0.
func (st *Stats) Finalize(eor EOR) Results {
	var res Results
	if st.N > 0 {
		n := float64(st.N)
		res.TOFMean = st.TOF / n
		res.TOFSigma = sigma(res.TOFMean, st.TOF2/n)
		res.HitsMean = float64(st.Hits) / n
	}
	if st.NADC > 0 {
		n := float64(st.NADC)
		for i := range st.ADC {
			res.ADCMean[i] = st.ADC[i] / n
			if st.N > 1 {
				res.ADCSigma[i] = sigma(res.ADCMean[i], st.ADC2[i]/n)
			}
		}
	}
	if st.N > 1 {
		res.DeltaT = st.TimeSum / float64(st.N-1) / ticksPerSecond
	}
	res.Live = eor.Live()
	return res
}

func sigma(mean, mean2 float64) float64 {
	v := mean2 - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
