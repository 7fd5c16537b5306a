// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration of AESOP acquisition runs.
//
// A configuration file is a TOML document:
//
//	port        = "/dev/ttyUSB0"
//	baud        = 115200
//	timeout     = "200ms"
//	scan_bound  = 360
//	bor_retries = 20
//	eor_retries = 20
//	mode        = "contiguous"  # or "framed"
//	output_dir  = "/data/aesop"
//	dump_events = true
//	histos      = true
//
//	[db]
//	driver = "sqlite"
//	dsn    = "/data/aesop/runs.db"
//
//	[mqtt]
//	broker = "tcp://localhost:1883"
//	topic  = "aesop"
//
//	[mail]
//	enable = true
//
// Keys missing from the file keep their default value.
package config // import "github.com/go-lpc/aesop/config"

import (
	"log"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-lpc/aesop/daq"
	"github.com/go-lpc/aesop/psoc"
	"golang.org/x/xerrors"
)

// Config is the configuration of an acquisition.
type Config struct {
	Port      string        // serial device
	Baud      int           // serial baud rate
	Timeout   time.Duration // per-read timeout
	ScanBound int           // reads attempted while looking for a packet
	Mode      psoc.Mode     // inbound packet layout

	BORRetries int // packets examined while waiting for the BOR
	EORRetries int // packets examined while waiting for the EOR

	OutputDir string
	Dump      bool // write the human readable event dump
	Histos    bool // write the YODA histograms

	DB struct {
		Driver string // "mysql" or "sqlite"
		DSN    string
	}

	MQTT struct {
		Broker string
		Topic  string
	}

	Mail struct {
		Enable bool
	}
}

// Default returns the default configuration.
func Default() Config {
	var cfg Config
	cfg.Port = "/dev/ttyUSB0"
	cfg.Baud = psoc.DefaultBaudRate
	cfg.Timeout = psoc.DefaultTimeout
	cfg.ScanBound = psoc.DefaultScanBound
	cfg.Mode = psoc.Contiguous
	cfg.BORRetries = daq.DefaultRetries
	cfg.EORRetries = daq.DefaultRetries
	cfg.OutputDir = "."
	cfg.Dump = true
	cfg.DB.Driver = "sqlite"
	cfg.MQTT.Topic = "aesop"
	return cfg
}

type fileConfig struct {
	Port       string `toml:"port"`
	Baud       int    `toml:"baud"`
	Timeout    string `toml:"timeout"`
	ScanBound  int    `toml:"scan_bound"`
	BORRetries int    `toml:"bor_retries"`
	EORRetries int    `toml:"eor_retries"`
	Mode       string `toml:"mode"`
	OutputDir  string `toml:"output_dir"`
	Dump       bool   `toml:"dump_events"`
	Histos     bool   `toml:"histos"`

	DB struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"db"`

	MQTT struct {
		Broker string `toml:"broker"`
		Topic  string `toml:"topic"`
	} `toml:"mqtt"`

	Mail struct {
		Enable bool `toml:"enable"`
	} `toml:"mail"`
}

// Load loads the configuration file at path, on top of the default
// configuration.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, xerrors.Errorf("config: could not decode %q: %w", path, err)
	}

	if keys := meta.Undecoded(); len(keys) > 0 {
		return Config{}, xerrors.Errorf("config: unknown keys in %q: %v", path, keys)
	}

	cfg, err := overlay(Default(), &meta, raw)
	if err != nil {
		return Config{}, xerrors.Errorf("config: invalid configuration %q: %w", path, err)
	}
	return cfg, nil
}

func overlay(cfg Config, meta *toml.MetaData, raw fileConfig) (Config, error) {
	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("timeout") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return cfg, xerrors.Errorf("could not parse timeout: %w", err)
		}
		cfg.Timeout = v
	}
	if meta.IsDefined("scan_bound") {
		cfg.ScanBound = raw.ScanBound
	}
	if meta.IsDefined("bor_retries") {
		cfg.BORRetries = raw.BORRetries
	}
	if meta.IsDefined("eor_retries") {
		cfg.EORRetries = raw.EORRetries
	}
	if meta.IsDefined("mode") {
		mode, err := psoc.ParseMode(strings.TrimSpace(raw.Mode))
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if meta.IsDefined("output_dir") {
		cfg.OutputDir = strings.TrimSpace(raw.OutputDir)
	}
	if meta.IsDefined("dump_events") {
		cfg.Dump = raw.Dump
	}
	if meta.IsDefined("histos") {
		cfg.Histos = raw.Histos
	}
	if meta.IsDefined("db", "driver") {
		cfg.DB.Driver = strings.TrimSpace(raw.DB.Driver)
	}
	if meta.IsDefined("db", "dsn") {
		cfg.DB.DSN = strings.TrimSpace(raw.DB.DSN)
	}
	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "topic") {
		cfg.MQTT.Topic = strings.TrimSpace(raw.MQTT.Topic)
	}
	if meta.IsDefined("mail", "enable") {
		cfg.Mail.Enable = raw.Mail.Enable
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration is usable.
func (cfg Config) Validate() error {
	switch {
	case cfg.Port == "":
		return xerrors.Errorf("empty serial port")
	case cfg.Baud <= 0:
		return xerrors.Errorf("invalid baud rate %d", cfg.Baud)
	case cfg.Timeout <= 0:
		return xerrors.Errorf("invalid read timeout %v", cfg.Timeout)
	case cfg.ScanBound <= 0:
		return xerrors.Errorf("invalid scan bound %d", cfg.ScanBound)
	case cfg.BORRetries <= 0:
		return xerrors.Errorf("invalid BOR retries %d", cfg.BORRetries)
	case cfg.EORRetries <= 0:
		return xerrors.Errorf("invalid EOR retries %d", cfg.EORRetries)
	}

	switch cfg.DB.Driver {
	case "", "mysql", "sqlite":
	default:
		return xerrors.Errorf("invalid database driver %q", cfg.DB.Driver)
	}
	return nil
}

// PSOC returns the connection options of the configuration.
func (cfg Config) PSOC(msg *log.Logger) []psoc.Option {
	opts := []psoc.Option{
		psoc.WithBaudRate(cfg.Baud),
		psoc.WithTimeout(cfg.Timeout),
		psoc.WithScanBound(cfg.ScanBound),
		psoc.WithMode(cfg.Mode),
	}
	if msg != nil {
		opts = append(opts, psoc.WithLogger(msg))
	}
	return opts
}

// DAQ returns the run controller options of the configuration.
func (cfg Config) DAQ(msg *log.Logger) []daq.Option {
	opts := []daq.Option{
		daq.WithOutputDir(cfg.OutputDir),
		daq.WithDump(cfg.Dump),
		daq.WithHistos(cfg.Histos),
		daq.WithRetries(cfg.BORRetries, cfg.EORRetries),
	}
	if msg != nil {
		opts = append(opts, daq.WithLogger(msg))
	}
	return opts
}
