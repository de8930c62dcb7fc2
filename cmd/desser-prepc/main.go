// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser-prepc runs a deserializer node: it reassembles the
// send-blocks of its upstream COPPER readout PCs, validates them and
// forwards them to its downstream consumer.
//
// Usage: desser-prepc [OPTIONS]
//
// ex:
//
//	$> desser-prepc -cfg ./desser-42.yaml
//	$> desser-prepc -node 42 -listen :33000 -src ropc01:33000,ropc02:33000
//
// Sending SIGUSR1 to the process requests a pause, SIGUSR2 a resume.
// Pauses are only honored with the pause-resume fault policy.
package main // import "github.com/go-lpc/desser/cmd/desser-prepc"

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/conddb"
	"github.com/go-lpc/desser/dqm"
	"github.com/go-lpc/desser/internal/shm"
	"github.com/go-lpc/desser/prepc"
	"github.com/go-lpc/desser/rawdata"
	"github.com/go-lpc/desser/sockio"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	log.SetPrefix("desser-prepc: ")
	log.SetFlags(0)

	opts, err := parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("could not parse arguments: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, opts)
	if err != nil {
		alertMail(opts.cfg.Node, err)
		log.Fatalf("node %d failed: %+v", opts.cfg.Node, err)
	}
}

type options struct {
	cfg  prepc.Config
	tap  string        // raw capture file of the forwarded send-blocks
	freq time.Duration // status reporting period
}

func parse(args []string) (options, error) {
	var (
		fset = flag.NewFlagSet("desser-prepc", flag.ContinueOnError)

		fname  = fset.String("cfg", "", "path to YAML configuration file")
		node   = fset.Uint("node", 0, "node ID")
		listen = fset.String("listen", "", "[ip]:port the downstream consumer connects to")
		srcs   = fset.String("src", "", "comma-separated list of upstream senders")
		fault  = fset.String("fault", "", "fault policy (fail-fast|pause-resume)")
		lvl    = fset.String("lvl", "", "log level (debug|info|warn|error)")
		lfile  = fset.String("log-file", "", "path to rotated log file")
		cksum  = fset.Bool("checksum", false, "compute the trailer checksum of forwarded send-blocks")
		tap    = fset.String("tap", "", "path to raw capture file of forwarded send-blocks")
		freq   = fset.Duration("freq", 1*time.Second, "status reporting period")
	)

	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), `Usage: desser-prepc [OPTIONS]

ex:
 $> desser-prepc -cfg ./desser-42.yaml
 $> desser-prepc -node 42 -listen :33000 -src ropc01:33000,ropc02:33000

options:
`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return options{}, err
	}

	cfg := prepc.DefaultConfig()
	if *fname != "" {
		cfg, err = prepc.LoadConfig(*fname)
		if err != nil {
			return options{}, err
		}
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node":
			cfg.Node = uint32(*node)
		case "listen":
			cfg.Listen = *listen
		case "src":
			cfg.Sources = strings.Split(*srcs, ",")
		case "fault":
			cfg.Fault = *fault
		case "lvl":
			cfg.Log.Level = *lvl
		case "log-file":
			cfg.Log.File = *lfile
		case "checksum":
			cfg.Checksum = *cksum
		}
	})

	err = cfg.Validate()
	if err != nil {
		return options{}, err
	}

	if *freq <= 0 {
		return options{}, fmt.Errorf("invalid status reporting period (%v)", *freq)
	}

	return options{cfg: cfg, tap: *tap, freq: *freq}, nil
}

func newMsgStream(cfg prepc.Config) (tlog.MsgStream, io.Closer, error) {
	lvl, err := cfg.Log.Lvl()
	if err != nil {
		return nil, nil, err
	}

	var (
		name           = fmt.Sprintf("desser-%d", cfg.Node)
		w    io.Writer = os.Stdout
		c    io.Closer = io.NopCloser(nil)
	)
	if cfg.Log.File != "" {
		f := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		}
		w = io.MultiWriter(os.Stdout, f)
		c = f
	}

	return tlog.NewMsgStream(name, lvl, w), c, nil
}

// pauseFlag is a pause token that can be toggled.
type pauseFlag interface {
	sockio.Pauser
	Set(v bool)
}

func run(ctx context.Context, opts options) error {
	cfg := opts.cfg

	msg, closer, err := newMsgStream(cfg)
	if err != nil {
		return fmt.Errorf("could not create message stream: %w", err)
	}
	defer closer.Close()

	var db *conddb.DB
	if cfg.CondDB != "" {
		db, err = conddb.Open(cfg.CondDB)
		if err != nil {
			return fmt.Errorf("could not open condition db: %w", err)
		}
		defer db.Close()

		if len(cfg.Sources) == 0 {
			cfg.Sources, err = db.Sources(ctx, cfg.Node)
			if err != nil {
				return fmt.Errorf("could not retrieve upstream sources: %w", err)
			}
			msg.Infof("upstream sources: %q", cfg.Sources)
		}
	}

	var (
		nopts = []prepc.Option{prepc.WithMsgStream(msg)}
		reps  []prepc.Reporter
		pause pauseFlag = new(sockio.Flag)
		mon   *dqm.DQM
	)

	if cfg.SHM.Pause != "" {
		f, err := shm.OpenFlag(cfg.SHM.Pause)
		if err != nil {
			return fmt.Errorf("could not open pause flag: %w", err)
		}
		defer f.Close()
		f.Set(false)
		pause = f
	}
	nopts = append(nopts, prepc.WithPauser(pause))

	if cfg.SHM.Status != "" {
		st, err := shm.OpenStatus(cfg.SHM.Status)
		if err != nil {
			return fmt.Errorf("could not open status region: %w", err)
		}
		defer st.Close()
		reps = append(reps, st)
	}

	if cfg.DQM != "" {
		mon = dqm.New(fmt.Sprintf("desser-%d", cfg.Node))
		nopts = append(nopts, prepc.WithObserver(mon))
	}

	if opts.tap != "" {
		f, err := os.Create(opts.tap)
		if err != nil {
			return fmt.Errorf("could not create tap file: %w", err)
		}
		defer f.Close()

		w := bufio.NewWriter(f)
		defer func() {
			err := w.Flush()
			if err != nil {
				msg.Errorf("could not flush tap file: %+v", err)
			}
		}()
		nopts = append(nopts, prepc.WithTap(w))
	}

	node, err := prepc.New(cfg, nopts...)
	if err != nil {
		return fmt.Errorf("could not create node: %w", err)
	}
	defer node.Close()

	go handleSignals(ctx, msg, pause)

	beg := time.Now()
	err = node.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("could not start node: %w", err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	mctx, cancel := context.WithCancel(gctx)
	defer cancel()

	grp.Go(func() error {
		defer cancel()
		return node.Run(gctx)
	})
	grp.Go(func() error {
		return node.Monitor(mctx, opts.freq, reps...)
	})

	err = grp.Wait()
	end := time.Now()

	st := node.Stats()
	msg.Infof(
		"node %d: state=%v blocks-in=%d blocks-out=%d events=%d bytes-out=%d faults=%d resumes=%d",
		st.Node, st.State, st.BlocksIn, st.BlocksOut, st.Events, st.BytesOut,
		st.Faults, st.Resumes,
	)

	if mon != nil {
		err := mon.Save(cfg.DQM)
		if err != nil {
			msg.Errorf("could not save DQM histograms: %+v", err)
		}
	}

	if db != nil {
		_, run, _ := rawdata.UnpackExpRun(st.ExpRunSubrun)
		err := db.RecordRun(context.Background(), conddb.RunSummary{
			Run:    run,
			Node:   cfg.Node,
			Start:  beg,
			Stop:   end,
			Events: st.Events,
			Bytes:  st.BytesOut,
			Faults: st.Faults,
		})
		if err != nil {
			msg.Errorf("could not record run summary: %+v", err)
		}
	}

	if err != nil {
		return fmt.Errorf("could not run node: %w", err)
	}
	return nil
}

func handleSignals(ctx context.Context, msg tlog.MsgStream, pause pauseFlag) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				msg.Infof("pause requested")
				pause.Set(true)
			case syscall.SIGUSR2:
				msg.Infof("resume requested")
				pause.Set(false)
			}
		}
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(node uint32, err error) {
	if alertMailSrv == "" || alertMailUsr == "" {
		return
	}

	host, _ := os.Hostname()

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[desser-prepc] node %d failed", node))
	msg.SetBody("text/plain", fmt.Sprintf(
		"desser-prepc node %d on %q stopped on a fatal error:\n\n%+v\n",
		node, host, err,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}

	err = dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send alert mail: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
