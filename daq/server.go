// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/aesop/psoc"
)

// Server exposes a run controller as a tdaq process.
//
// The /config command body holds the number of events per run and the
// tracker and TOF debug flags (3 u32). The /start command body holds the
// run number (u32). Run summaries are sent on the /summary output, JSON
// encoded.
type Server struct {
	dev   string
	popts []psoc.Option
	opts  []Option

	open func(name string, opts ...psoc.Option) (*psoc.Conn, error)

	conn   *psoc.Conn
	ctl    *Controller
	params Params
	sums   chan []byte
}

// NewServer creates a tdaq server driving the PSOCs on the serial device
// dev.
func NewServer(dev string, popts []psoc.Option, opts ...Option) *Server {
	return &Server{
		dev:    dev,
		popts:  popts,
		opts:   opts,
		open:   psoc.Open,
		params: Params{Events: 1, ReadTracker: true},
		sums:   make(chan []byte, 16),
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if len(req.Body) == 0 {
		return nil
	}

	if len(req.Body) < 12 {
		ctx.Msg.Errorf("could not decode /config request: short body (len=%d)", len(req.Body))
		return fmt.Errorf("could not decode /config request: short body (len=%d)", len(req.Body))
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	var (
		nevts = dec.ReadU32()
		tkr   = dec.ReadU32()
		dbg   = dec.ReadU32()
	)

	srv.params.Events = int(nevts)
	srv.params.ReadTracker = tkr != 0
	srv.params.DebugTOF = dbg != 0
	ctx.Msg.Infof("configured runs: %+v", srv.params)
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if srv.conn != nil {
		return nil
	}

	conn, err := srv.open(srv.dev, srv.popts...)
	if err != nil {
		ctx.Msg.Errorf("could not open PSOC connection on %q: %+v", srv.dev, err)
		return fmt.Errorf("could not open PSOC connection on %q: %w", srv.dev, err)
	}
	srv.conn = conn
	srv.ctl = New(conn, srv.opts...)
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.close(ctx)
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.ctl == nil {
		return fmt.Errorf("could not start run: PSOC connection not initialized")
	}

	if len(req.Body) < 4 {
		ctx.Msg.Errorf("could not decode /start request: short body (len=%d)", len(req.Body))
		return fmt.Errorf("could not decode /start request: short body (len=%d)", len(req.Body))
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	srv.params.Run = uint16(dec.ReadU32())
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... (state=%v)", srv.state())
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close(ctx)
}

// Summaries sends the summary of each completed run.
func (srv *Server) Summaries(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
	case sum := <-srv.sums:
		dst.Body = sum
	}
	return nil
}

// Run acquires one run, until all events were read or the run is stopped.
func (srv *Server) Run(ctx tdaq.Context) error {
	if srv.ctl == nil {
		return fmt.Errorf("could not run: PSOC connection not initialized")
	}

	p := srv.params
	ctx.Msg.Infof("starting run %d...", p.Run)
	sum, err := srv.ctl.Run(ctx.Ctx, p)
	if err != nil {
		ctx.Msg.Errorf("could not run %d: %+v", p.Run, err)
		return fmt.Errorf("could not run %d: %w", p.Run, err)
	}
	ctx.Msg.Infof("starting run %d... [done] (events=%d, live=%g)", p.Run, sum.Events, sum.Results.Live)

	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("could not encode summary of run %d: %w", p.Run, err)
	}

	select {
	case srv.sums <- raw:
	default:
		ctx.Msg.Warnf("summary of run %d dropped", p.Run)
	}
	return nil
}

func (srv *Server) state() State {
	if srv.ctl == nil {
		return Idle
	}
	return srv.ctl.State()
}

func (srv *Server) close(ctx tdaq.Context) error {
	if srv.conn == nil {
		return nil
	}
	err := srv.conn.Close()
	srv.conn = nil
	srv.ctl = nil
	if err != nil {
		ctx.Msg.Errorf("could not close PSOC connection: %+v", err)
		return fmt.Errorf("could not close PSOC connection: %w", err)
	}
	return nil
}
