// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command psoc-shell is an interactive shell to inspect and drive the
// PSOCs of the AESOP front-end outside of a run.
//
// Usage: psoc-shell [options]
//
// Example:
//
//	$> psoc-shell -port /dev/ttyUSB0
//	psoc> rates
//	interval: 1.000 s
//	guard:    12.000 Hz
//	[...]
//	psoc> tkr 0 0x67
//	psoc> quit
package main // import "github.com/go-lpc/aesop/cmd/psoc-shell"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-lpc/aesop/psoc"
	"github.com/peterh/liner"
)

var errQuit = errors.New("quit")

func main() {
	log.SetPrefix("psoc-shell: ")
	log.SetFlags(0)

	var (
		port = flag.String("port", "/dev/ttyUSB0", "serial device of the PSOCs")
		baud = flag.Int("baud", psoc.DefaultBaudRate, "serial baud rate")
		mode = flag.String("mode", "contiguous", "inbound packet layout (contiguous|framed)")
	)

	flag.Parse()

	m, err := psoc.ParseMode(*mode)
	if err != nil {
		log.Fatalf("invalid -mode: %+v", err)
	}

	conn, err := psoc.Open(*port,
		psoc.WithBaudRate(*baud),
		psoc.WithMode(m),
		psoc.WithLogger(log.New(os.Stdout, "psoc: ", 0)),
	)
	if err != nil {
		log.Fatalf("could not open %q: %+v", *port, err)
	}
	defer conn.Close()

	err = repl(&shell{conn: conn, w: os.Stdout})
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func repl(sh *shell) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var cmds []string
		for _, c := range commands {
			if strings.HasPrefix(c.name, strings.ToLower(line)) {
				cmds = append(cmds, c.name)
			}
		}
		return cmds
	})

	hist := filepath.Join(os.TempDir(), ".psoc-shell.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("psoc> ")
		switch {
		case err == nil:
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		default:
			fmt.Fprintf(sh.w, "error: %v\n", err)
		}
	}
}

type shell struct {
	conn *psoc.Conn
	w    io.Writer
}

type command struct {
	name string
	help string
	run  func(sh *shell, args []uint8) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "display this help", (*shell).help},
		{"errors", "errors [addr]: read and clear the error list of a PSOC (default: 8)", (*shell).errors},
		{"counters", "display the run counters", (*shell).counters},
		{"rates", "display the PMT singles rates", (*shell).rates},
		{"hk", "hk interval [tkr]: start housekeeping records (interval=0 stops them)", (*shell).hk},
		{"tkrhk", "tkrhk interval: start tracker housekeeping records (interval=0 stops them)", (*shell).tkrhk},
		{"tkr", "tkr fpga sub [data...]: send a tracker command", (*shell).tkr},
		{"volt", "display the backplane voltage", (*shell).volt},
		{"send", "send op addr [args...]: send a raw command and display its reply", (*shell).send},
		{"read", "read the next packet sent by the PSOCs", (*shell).read},
		{"quit", "quit the shell", func(*shell, []uint8) error { return errQuit }},
	}
}

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	name := strings.ToLower(toks[0])
	args := make([]uint8, len(toks)-1)
	for i, tok := range toks[1:] {
		v, err := strconv.ParseUint(tok, 0, 8)
		if err != nil {
			return fmt.Errorf("invalid argument %q: %w", tok, err)
		}
		args[i] = uint8(v)
	}

	for _, c := range commands {
		if c.name == name {
			return c.run(sh, args)
		}
	}
	return fmt.Errorf("unknown command %q", name)
}

func (sh *shell) help([]uint8) error {
	for _, c := range commands {
		fmt.Fprintf(sh.w, "  %-9s %s\n", c.name, c.help)
	}
	return nil
}

func (sh *shell) errors(args []uint8) error {
	addr := psoc.EventPSOC
	if len(args) > 0 {
		addr = psoc.Addr(args[0])
	}
	errs, err := sh.conn.ReadErrors(addr)
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		fmt.Fprintf(sh.w, "no errors encountered.\n")
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(sh.w, "error code=%d info=0x%02x 0x%02x\n", e.Code, e.Info1, e.Info2)
	}
	return nil
}

func (sh *shell) counters([]uint8) error {
	cnt, err := sh.conn.RunCounters()
	if err != nil {
		return err
	}
	return cnt.Dump(sh.w)
}

func (sh *shell) rates([]uint8) error {
	r, err := sh.conn.PMTRates()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "interval: %.3f s\n", r.Interval)
	for _, ch := range []struct {
		name string
		n    uint16
	}{
		{"guard", r.Guard},
		{"T1", r.T1},
		{"T2", r.T2},
		{"T3", r.T3},
		{"T4", r.T4},
	} {
		fmt.Fprintf(sh.w, "%-9s %.3f Hz\n", ch.name+":", r.Rate(ch.n))
	}
	return nil
}

func (sh *shell) hk(args []uint8) error {
	if len(args) == 0 {
		return fmt.Errorf("missing housekeeping interval")
	}
	if args[0] == 0 {
		return sh.conn.StopHousekeeping()
	}
	var tkr uint8
	if len(args) > 1 {
		tkr = args[1]
	}
	return sh.conn.StartHousekeeping(args[0], tkr)
}

func (sh *shell) tkrhk(args []uint8) error {
	if len(args) == 0 {
		return fmt.Errorf("missing tracker housekeeping interval")
	}
	if args[0] == 0 {
		return sh.conn.StopTkrHousekeeping()
	}
	return sh.conn.StartTkrHousekeeping(args[0])
}

func (sh *shell) tkr(args []uint8) error {
	if len(args) < 2 {
		return fmt.Errorf("missing tracker FPGA and sub-command")
	}
	n, err := sh.conn.TkrCommand(args[0], args[1], args[2:]...)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "tracker command count: %d\n", n)
	return nil
}

func (sh *shell) volt([]uint8) error {
	v, err := sh.conn.BackplaneVoltage()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "backplane: %.3f V\n", v)
	return nil
}

func (sh *shell) send(args []uint8) error {
	if len(args) < 2 {
		return fmt.Errorf("missing command code and address")
	}
	pkt, err := sh.conn.Exchange(args[0], psoc.Addr(args[1]), args[2:]...)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: echo=%x data=%x\n", pkt.Tag, pkt.Echo, pkt.Data)
	return nil
}

func (sh *shell) read([]uint8) error {
	var pkt psoc.Packet
	err := sh.conn.Session(func(s *psoc.Session) error {
		var err error
		pkt, err = s.ReadAny()
		return err
	})
	if err != nil {
		return err
	}
	if pkt.Tag.Async() {
		return psoc.Report(sh.w, pkt)
	}
	fmt.Fprintf(sh.w, "%v: echo=%x data=%x\n", pkt.Tag, pkt.Echo, pkt.Data)
	return nil
}
