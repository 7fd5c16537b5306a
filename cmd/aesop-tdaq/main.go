// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command aesop-tdaq starts a TDAQ server driving the AESOP front-end.
//
// Usage: aesop-tdaq [tdaq-options] [config.toml]
//
// The run parameters are sent with the /config command (number of
// events, tracker readout and TOF debug flags, as 3 u32) and the run
// number with the /start command (u32). The summary of each run is
// published, JSON encoded, on the /summary output.
package main // import "github.com/go-lpc/aesop/cmd/aesop-tdaq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/aesop"
	"github.com/go-lpc/aesop/config"
	"github.com/go-lpc/aesop/daq"
)

func main() {
	log.SetPrefix("aesop-tdaq: ")
	log.SetFlags(0)

	cmd := flags.New()

	cfg := config.Default()
	if len(cmd.Args) > 0 {
		var err error
		cfg, err = config.Load(cmd.Args[0])
		if err != nil {
			log.Fatalf("could not load configuration: %+v", err)
		}
	}

	msg := log.New(os.Stdout, "aesop-tdaq: ", 0)
	if v, _ := aesop.Version(); v != "" {
		msg.Printf("version %s", v)
	}
	dev := daq.NewServer(cfg.Port, cfg.PSOC(msg), cfg.DAQ(msg)...)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/summary", dev.Summaries)

	srv.RunHandle(dev.Run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
