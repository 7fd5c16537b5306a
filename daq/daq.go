// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq drives acquisition runs of the AESOP front-end through the
// event PSOC.
//
// A run goes through the following states:
//
//	Starting -> AwaitingBOR -> ReadingEvents -> Stopping -> AwaitingEOR -> Done
//
// and holds exclusive access to the PSOC connection from start to end.
package daq // import "github.com/go-lpc/aesop/daq"

import (
	"bytes"
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-lpc/aesop/psoc"
	"golang.org/x/xerrors"
)

var (
	ErrNoBOR = xerrors.New("no begin-of-run record")
	ErrNoEOR = xerrors.New("no end-of-run record")
)

const (
	// DefaultRetries is the number of packets examined while waiting
	// for the begin-of-run and end-of-run records.
	DefaultRetries = 20

	// DefaultEventScan is the number of empty reads after which the
	// error queue is drained while waiting for an event.
	DefaultEventScan = 30
)

// State is the state of a run.
type State uint32

const (
	Idle State = iota
	Starting
	AwaitingBOR
	ReadingEvents
	Stopping
	AwaitingEOR
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case AwaitingBOR:
		return "awaiting-bor"
	case ReadingEvents:
		return "reading-events"
	case Stopping:
		return "stopping"
	case AwaitingEOR:
		return "awaiting-eor"
	case Done:
		return "done"
	}
	return "invalid"
}

// Params are the parameters of a run.
type Params struct {
	Run         uint16
	Events      int  // number of events to acquire
	ReadTracker bool // read out the tracker layers
	DebugTOF    bool // request the TOF debug fields in event records
}

// Summary describes a completed run.
type Summary struct {
	Run    uint16
	Start  time.Time
	Stop   time.Time
	Events int // events folded into Stats
	Bad    int // event records that could not be decoded
	Strays int // packets discarded while waiting for the EOR

	BOR     BOR
	EOR     EOR
	Stats   Stats
	Results Results
}

// Monitor receives the housekeeping records read during a run.
type Monitor interface {
	Publish(pkt psoc.Packet) error
}

type config struct {
	msg    *log.Logger
	odir   string
	dump   bool
	histos bool
	bor    int
	eor    int
	scan   int
	mon    Monitor
	now    func() time.Time
}

func newConfig() config {
	return config{
		msg:  log.New(os.Stdout, "daq: ", 0),
		odir: ".",
		bor:  DefaultRetries,
		eor:  DefaultRetries,
		scan: DefaultEventScan,
		now:  time.Now,
	}
}

// Option configures a run controller.
type Option func(*config)

// WithLogger sets the logger of the run controller.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithOutputDir sets the directory where run files are created.
func WithOutputDir(dir string) Option {
	return func(cfg *config) {
		cfg.odir = dir
	}
}

// WithDump enables the human readable event dump file.
func WithDump(v bool) Option {
	return func(cfg *config) {
		cfg.dump = v
	}
}

// WithHistos enables the YODA histograms file.
func WithHistos(v bool) Option {
	return func(cfg *config) {
		cfg.histos = v
	}
}

// WithRetries sets the number of packets examined while waiting for the
// BOR and EOR records.
func WithRetries(bor, eor int) Option {
	return func(cfg *config) {
		if bor > 0 {
			cfg.bor = bor
		}
		if eor > 0 {
			cfg.eor = eor
		}
	}
}

// WithEventScan sets the number of empty reads after which the error
// queue is drained while waiting for an event.
func WithEventScan(n int) Option {
	return func(cfg *config) {
		cfg.scan = n
	}
}

// WithMonitor forwards the housekeeping records read during a run to mon.
func WithMonitor(mon Monitor) Option {
	return func(cfg *config) {
		cfg.mon = mon
	}
}

// Controller runs acquisitions over a PSOC connection.
type Controller struct {
	conn  *psoc.Conn
	cfg   config
	msg   *log.Logger
	state atomic.Uint32
}

// New creates a run controller using conn.
func New(conn *psoc.Conn, opts ...Option) *Controller {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{
		conn: conn,
		cfg:  cfg,
		msg:  cfg.msg,
	}
}

// State returns the state of the current (or last) run.
func (ctl *Controller) State() State {
	return State(ctl.state.Load())
}

func (ctl *Controller) setState(s State) {
	ctl.state.Store(uint32(s))
	ctl.msg.Printf("state: %v", s)
}

// Run acquires p.Events events.
//
// Cancelling ctx ends the acquisition early: ctx is checked between
// events, and the run is then stopped as a completed one.
func (ctl *Controller) Run(ctx context.Context, p Params) (Summary, error) {
	sum := Summary{Run: p.Run}

	out, err := ctl.create(p)
	if err != nil {
		return sum, xerrors.Errorf("daq: could not create output files for run %d: %w", p.Run, err)
	}

	err = ctl.conn.Session(func(s *psoc.Session) error {
		return ctl.run(ctx, s, p, out, &sum)
	})
	if err != nil {
		_ = out.close()
		return sum, err
	}

	err = out.close()
	if err != nil {
		return sum, xerrors.Errorf("daq: could not close output files for run %d: %w", p.Run, err)
	}
	return sum, nil
}

func (ctl *Controller) run(ctx context.Context, s *psoc.Session, p Params, out *output, sum *Summary) error {
	ctl.setState(Starting)
	sum.Start = ctl.cfg.now()
	err := s.Send(psoc.OpStartRun, psoc.EventPSOC,
		uint8(p.Run>>8), uint8(p.Run),
		b2u(p.ReadTracker), b2u(p.DebugTOF),
	)
	if err != nil {
		return xerrors.Errorf("daq: could not start run %d: %w", p.Run, err)
	}

	ctl.setState(AwaitingBOR)
	sum.BOR, err = ctl.awaitBOR(s)
	if err != nil {
		return xerrors.Errorf("daq: could not start run %d: %w", p.Run, err)
	}
	err = sum.BOR.Dump(ctl.msg.Writer())
	if err != nil {
		ctl.msg.Printf("%+v", err)
	}

	ctl.msg.Printf("starting run %d for %d events", p.Run, p.Events)
	if !p.ReadTracker {
		ctl.msg.Printf("the tracker will not be read out")
	}

	ctl.setState(ReadingEvents)
	err = ctl.readEvents(ctx, s, p, out, sum)
	if err != nil {
		ctl.msg.Printf("run %d failed, stopping it...", p.Run)
		if e := s.Send(psoc.OpStopRun, psoc.EventPSOC); e != nil {
			ctl.msg.Printf("could not stop run %d: %+v", p.Run, e)
		}
		return xerrors.Errorf("daq: could not read events of run %d: %w", p.Run, err)
	}
	sum.Stop = ctl.cfg.now()
	ctl.msg.Printf("elapsed time for the run = %v", sum.Stop.Sub(sum.Start))

	ctl.setState(Stopping)
	err = s.Send(psoc.OpStopRun, psoc.EventPSOC)
	if err != nil {
		return xerrors.Errorf("daq: could not stop run %d: %w", p.Run, err)
	}

	ctl.setState(AwaitingEOR)
	sum.EOR, sum.Strays, err = ctl.awaitEOR(s)
	if err != nil {
		return xerrors.Errorf("daq: could not end run %d: %w", p.Run, err)
	}
	err = sum.EOR.Dump(ctl.msg.Writer())
	if err != nil {
		ctl.msg.Printf("%+v", err)
	}

	sum.Results = sum.Stats.Finalize(sum.EOR)
	ctl.report(sum)
	ctl.setState(Done)
	return nil
}

func (ctl *Controller) awaitBOR(s *psoc.Session) (BOR, error) {
	for i := 0; i < ctl.cfg.bor; i++ {
		pkt, err := s.ReadAny()
		switch {
		case err == nil:
			// ok.
		case xerrors.Is(err, psoc.ErrSyncLost):
			ctl.msg.Printf("waiting for BOR: %v", err)
			s.DrainErrors(psoc.EventPSOC)
			continue
		case recoverable(err):
			ctl.msg.Printf("waiting for BOR: %v", err)
			continue
		default:
			return BOR{}, xerrors.Errorf("daq: could not read BOR: %w", err)
		}

		switch {
		case pkt.Tag.Async():
			ctl.async(pkt)
		case bytes.HasPrefix(pkt.Data, borMagic):
			bor, err := DecodeBOR(pkt.Data)
			if err != nil {
				ctl.msg.Printf("could not decode BOR record: %+v", err)
				continue
			}
			return bor, nil
		default:
			ctl.msg.Printf("anomaly: expected BOR, got %v packet (data=%q)", pkt.Tag, head(pkt.Data, 4))
		}
	}

	s.DrainErrors(psoc.EventPSOC)
	return BOR{}, xerrors.Errorf("daq: could not find BOR after %d reads: %w", ctl.cfg.bor, ErrNoBOR)
}

func (ctl *Controller) readEvents(ctx context.Context, s *psoc.Session, p Params, out *output, sum *Summary) error {
	defer s.SetScanBound(s.SetScanBound(ctl.cfg.scan))

	for i := 0; i < p.Events; {
		pkt, err := ctl.next(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				ctl.msg.Printf("run %d interrupted after %d events", p.Run, i)
				return nil
			}
			return err
		}

		switch pkt.Tag {
		case psoc.TagEvent:
			// ok.
		case psoc.TagHK, psoc.TagTkrHK, psoc.TagTOFEvent, psoc.TagErrors:
			ctl.async(pkt)
			continue
		default:
			ctl.msg.Printf("anomaly: unexpected %v packet while waiting for event %d", pkt.Tag, i)
			continue
		}
		i++

		evt, err := DecodeEvent(pkt.Data, p.DebugTOF)
		if err != nil {
			ctl.msg.Printf("could not decode event record: %+v", err)
			sum.Bad++
			continue
		}

		dt := sum.Stats.Add(evt)
		sum.Events++
		err = out.event(evt, dt)
		if err != nil {
			return xerrors.Errorf("daq: could not write event %d: %w", evt.Trigger, err)
		}
	}
	return nil
}

// next returns the next packet from the event PSOC, draining its error
// queue each time no packet shows up.
func (ctl *Controller) next(ctx context.Context, s *psoc.Session) (psoc.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return psoc.Packet{}, err
		}

		pkt, err := s.ReadAny()
		switch {
		case err == nil:
			return pkt, nil
		case xerrors.Is(err, psoc.ErrSyncLost):
			s.DrainErrors(psoc.EventPSOC)
		case recoverable(err):
			ctl.msg.Printf("%v", err)
		default:
			return pkt, err
		}
	}
}

func (ctl *Controller) awaitEOR(s *psoc.Session) (EOR, int, error) {
	strays := 0
	for i := 0; i <= ctl.cfg.eor; i++ {
		pkt, err := s.ReadAny()
		switch {
		case err == nil:
			// ok.
		case xerrors.Is(err, psoc.ErrSyncLost):
			ctl.msg.Printf("waiting for EOR: %v", err)
			s.DrainErrors(psoc.EventPSOC)
			continue
		case recoverable(err):
			ctl.msg.Printf("waiting for EOR: %v", err)
			continue
		default:
			return EOR{}, strays, xerrors.Errorf("daq: could not read EOR: %w", err)
		}

		switch {
		case pkt.Tag.Async():
			ctl.msg.Printf("discarding %v packet received while ending the run", pkt.Tag)
			ctl.async(pkt)
			strays++
		case bytes.HasPrefix(pkt.Data, errMagic):
			ctl.msg.Printf("error record received while ending the run:")
			_ = psoc.Report(ctl.msg.Writer(), psoc.Packet{Tag: psoc.TagErrors, Data: pkt.Data})
			strays++
		case bytes.HasPrefix(pkt.Data, eorMagic):
			eor, err := DecodeEOR(pkt.Data)
			if err != nil {
				ctl.msg.Printf("could not decode EOR record: %+v", err)
				strays++
				continue
			}
			return eor, strays, nil
		default:
			ctl.msg.Printf("anomaly: expected EOR, got %v packet (data=%q)", pkt.Tag, head(pkt.Data, 4))
			strays++
		}
	}

	ctl.msg.Printf("could not find an EOR record, printing accumulated errors instead")
	s.DrainErrors(psoc.EventPSOC)
	return EOR{}, strays, xerrors.Errorf("daq: could not find EOR after %d reads: %w", ctl.cfg.eor+1, ErrNoEOR)
}

// async reports an unsolicited record and forwards housekeeping to the
// monitor.
func (ctl *Controller) async(pkt psoc.Packet) {
	err := psoc.Report(ctl.msg.Writer(), pkt)
	if err != nil {
		ctl.msg.Printf("could not report %v packet: %+v", pkt.Tag, err)
	}

	if ctl.cfg.mon == nil {
		return
	}
	switch pkt.Tag {
	case psoc.TagHK, psoc.TagTkrHK:
		err = ctl.cfg.mon.Publish(pkt)
		if err != nil {
			ctl.msg.Printf("could not publish %v packet: %+v", pkt.Tag, err)
		}
	}
}

func (ctl *Controller) report(sum *Summary) {
	var (
		st  = &sum.Stats
		res = &sum.Results
	)
	ctl.msg.Printf("average number of hits per event = %g", res.HitsMean)
	ctl.msg.Printf("average time between events = %g s", res.DeltaT)
	ctl.msg.Printf("TOF = %g +/- %g", res.TOFMean, res.TOFSigma)
	for i, name := range []string{"T1", "T2", "T3", "T4", "G"} {
		ctl.msg.Printf("%s ADC = %g +/- %g", name, res.ADCMean[i], res.ADCSigma[i])
	}
	ctl.msg.Printf("live time fraction = %g", res.Live)
	ctl.msg.Printf("number of primary PMT triggers captured = %d", st.PMT1)
	ctl.msg.Printf("number of secondary PMT triggers captured = %d", st.PMT2)
	ctl.msg.Printf("number of tracker-0 triggers captured = %d", st.Tkr0)
	ctl.msg.Printf("number of tracker-1 triggers captured = %d", st.Tkr1)
	ctl.msg.Printf("number of triggers with guard fired = %d", st.Guard)
	ctl.msg.Printf("number of bad tracker events = %d", st.BadTkr)
	ctl.msg.Printf("number of events included in the ADC averages = %d", st.NADC)
	if sum.Strays > 0 {
		ctl.msg.Printf("number of packets discarded while ending the run = %d", sum.Strays)
	}
}

// recoverable reports whether reading may resume at the next packet
// boundary after err.
func recoverable(err error) bool {
	switch {
	case xerrors.Is(err, psoc.ErrSyncLost),
		xerrors.Is(err, psoc.ErrMalformedHeader),
		xerrors.Is(err, psoc.ErrTimeout):
		return true
	}
	return false
}

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
