// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command aesop-run acquires one run with the AESOP front-end.
//
// Usage: aesop-run [options]
//
// Example:
//
//	$> aesop-run -cfg ./aesop.toml -run 42 -n 1000
//	$> aesop-run -port /dev/ttyUSB1 -n 100 -tkr=false -o /data/aesop
//
// When -run is not given, the run number follows the last run recorded
// in the runs database. A mail alert is sent when the run fails and the
// mail alerts are enabled (MAIL_USERNAME, MAIL_PASSWORD, MAIL_SERVER,
// MAIL_PORT and MAIL_TGTS environment variables).
package main // import "github.com/go-lpc/aesop/cmd/aesop-run"

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/aesop"
	"github.com/go-lpc/aesop/config"
	"github.com/go-lpc/aesop/daq"
	"github.com/go-lpc/aesop/psoc"
	"github.com/go-lpc/aesop/rundb"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

var openConn = psoc.Open

func main() {
	var (
		cfgFile = flag.String("cfg", "", "path to a TOML configuration file")
		port    = flag.String("port", "", "serial device of the PSOCs")
		mode    = flag.String("mode", "", "inbound packet layout (contiguous|framed)")
		runNbr  = flag.Uint("run", 0, "run number (default: next run in the runs database)")
		nevts   = flag.Int("n", 100, "number of events to acquire")
		tkr     = flag.Bool("tkr", true, "read out the tracker")
		dbg     = flag.Bool("dbg", false, "request TOF debug information")
		odir    = flag.String("o", "", "output directory")
		dump    = flag.Bool("dump", false, "write the human readable event dump")
		histos  = flag.Bool("histos", false, "write the YODA histograms")
		broker  = flag.String("mqtt", "", "MQTT broker URL for housekeeping records")
		dsn     = flag.String("db", "", "runs database DSN")

		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Parse()

	log.SetPrefix("aesop-run: ")
	log.SetFlags(0)

	if v, _ := aesop.Version(); v != "" {
		log.Printf("version %s", v)
	}

	cfg := config.Default()
	if *cfgFile != "" {
		var err error
		cfg, err = config.Load(*cfgFile)
		if err != nil {
			log.Fatalf("could not load configuration: %+v", err)
		}
	}

	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "mode":
			cfg.Mode, err = psoc.ParseMode(*mode)
		case "o":
			cfg.OutputDir = *odir
		case "dump":
			cfg.Dump = *dump
		case "histos":
			cfg.Histos = *histos
		case "mqtt":
			cfg.MQTT.Broker = *broker
		case "db":
			cfg.DB.DSN = *dsn
		}
	})
	if err != nil {
		log.Fatalf("invalid -mode flag: %+v", err)
	}
	if *runNbr > 0xffff {
		log.Fatalf("invalid run number %d", *runNbr)
	}

	p := daq.Params{
		Run:         uint16(*runNbr),
		Events:      *nevts,
		ReadTracker: *tkr,
		DebugTOF:    *dbg,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	err = run(context.Background(), cfg, p, *doMon, *doFreq, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, p daq.Params, doMon bool, freq time.Duration, stop chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if doMon {
		mon, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring: %w", err)
		}
		f, err := os.Create(filepath.Join(cfg.OutputDir, "aesop-run-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		mon.W = f
		mon.Freq = freq

		go func() {
			err := mon.Run()
			if err != nil {
				log.Printf("could not start monitoring: %+v", err)
			}
		}()

		defer func() {
			err := mon.Kill()
			if err != nil {
				log.Printf("could not stop monitoring: %+v", err)
			}
		}()
	}

	var (
		grp  errgroup.Group
		done = make(chan int)
	)
	grp.Go(func() error {
		select {
		case <-stop:
			log.Printf("interrupted, stopping run...")
			cancel()
		case <-done:
		}
		return nil
	})

	grp.Go(func() error {
		defer close(done)
		return acquire(ctx, cfg, p)
	})

	return grp.Wait()
}

func acquire(ctx context.Context, cfg config.Config, p daq.Params) error {
	msg := log.New(os.Stdout, "aesop-run: ", 0)

	var db *rundb.DB
	if cfg.DB.DSN != "" {
		var err error
		db, err = rundb.Open(cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("could not open runs database: %w", err)
		}
		defer db.Close()

		if p.Run == 0 {
			p.Run, err = db.NextRun(ctx)
			if err != nil {
				return fmt.Errorf("could not find next run number: %w", err)
			}
		}
	}
	if p.Run == 0 {
		return fmt.Errorf("no run number (use -run or a runs database)")
	}

	opts := cfg.DAQ(msg)
	if cfg.MQTT.Broker != "" {
		pub, err := daq.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.Topic)
		if err != nil {
			return fmt.Errorf("could not connect to MQTT broker: %w", err)
		}
		defer pub.Close()
		opts = append(opts, daq.WithMonitor(pub))
	}

	conn, err := openConn(cfg.Port, cfg.PSOC(msg)...)
	if err != nil {
		return fmt.Errorf("could not open PSOC connection: %w", err)
	}
	defer conn.Close()

	ctl := daq.New(conn, opts...)
	sum, err := ctl.Run(ctx, p)
	if db != nil {
		e := db.SaveRun(ctx, rundb.FromSummary(sum, err))
		if e != nil {
			log.Printf("could not record run %d: %+v", p.Run, e)
		}
	}
	if err != nil {
		if cfg.Mail.Enable {
			alertMail(p.Run, ctl.State(), err)
		}
		return fmt.Errorf("could not run %d: %w", p.Run, err)
	}

	raw, err := json.MarshalIndent(sum.Results, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode results of run %d: %w", p.Run, err)
	}
	log.Printf("run %d: %d events, results:\n%s", sum.Run, sum.Events, raw)

	return nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(run uint16, state daq.State, err error) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[aesop-run] run %d failed", run))
	msg.SetBody("text/plain", fmt.Sprintf("run:   %d\nstate: %v\nerror: %+v", run, state, err))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	e := dial.DialAndSend(msg)
	if e != nil {
		log.Printf("could not send mail alert: %+v", e)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
