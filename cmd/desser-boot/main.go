// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser-boot (re)starts one desser-prepc node per configuration
// file.
//
// Usage: desser-boot [OPTIONS] node-1.yaml [node-2.yaml [...]]
//
// ex:
//
//	$> desser-boot -pmon -dir /var/log/desser ./cfg/desser-*.yaml
package main // import "github.com/go-lpc/desser/cmd/desser-boot"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

var (
	bin  = flag.String("bin", "desser-prepc", "node executable")
	dir  = flag.String("dir", os.Getenv("DESSER_LOGDIR"), "directory of the log files")
	kill = flag.Bool("killall", true, "kill stale node processes before starting")

	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")

	grace = 5 * time.Second // delay between the interrupt and the kill of a node
	stop  = make(chan os.Signal, 1)
)

func main() {
	flag.Parse()

	log.SetPrefix("desser-boot: ")
	log.SetFlags(0)

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing node configuration file(s)")
	}

	if *kill {
		killall(*bin)
	}

	procs := make([]proc, flag.NArg())
	for i, fname := range flag.Args() {
		procs[i] = newProc(*bin, fname)
	}

	err := run(*doMon, *doFreq, procs, *dir, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// proc is a node process, named after its configuration file.
type proc struct {
	name string
	cmd  *exec.Cmd
}

func newProc(bin, fname string) proc {
	name := strings.TrimSuffix(filepath.Base(fname), filepath.Ext(fname))
	return proc{
		name: name,
		cmd:  exec.Command(bin, "-cfg", fname),
	}
}

func killall(bin string) {
	name := filepath.Base(bin)
	kill := exec.Command("killall", name)
	kill.Stderr = os.Stderr
	kill.Stdout = os.Stdout
	err := kill.Run()
	if err != nil {
		log.Printf("could not kill %q: %+v", name, err)
	}
}

func run(doMon bool, freq time.Duration, procs []proc, dir string, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	if dir == "" {
		dir = "/var/log/desser"
	}

	var (
		grp  errgroup.Group
		quit = make(chan struct{})
	)
	for _, p := range procs {
		p := p
		grp.Go(func() error {
			return start(p, dir, quit, doMon, freq)
		})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stop:
			close(quit)
		case <-done:
		}
	}()

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot nodes: %w", err)
	}
	return nil
}

func start(p proc, dir string, quit chan struct{}, doMon bool, freq time.Duration) error {
	out, err := os.Create(filepath.Join(dir, p.name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", p.name, err)
	}
	defer out.Close()

	p.cmd.Stdout = out
	p.cmd.Stderr = out

	log.Printf("starting %q...", p.name)
	err = p.cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", p.name, err)
	}

	if doMon {
		mon, err := pmon.Monitor(p.cmd.Process.Pid)
		if err != nil {
			return fmt.Errorf("could not start monitoring %q (pid=%d): %w", p.name, p.cmd.Process.Pid, err)
		}
		f, err := os.Create(filepath.Join(dir, p.name+"-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file for %q: %w", p.name, err)
		}
		defer f.Close()
		mon.W = f
		mon.Freq = freq

		go func() {
			log.Printf("run pmon %q...", p.name)
			err := mon.Run()
			if err != nil {
				log.Printf("could not start monitoring %q: %+v", p.name, err)
			}
		}()

		defer func() {
			err := mon.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", p.name, err)
			}
		}()
	}

	errch := make(chan error, 1)
	go func() {
		errch <- p.cmd.Wait()
	}()

	select {
	case <-quit:
		// let the node record its run summary before killing it.
		err = p.cmd.Process.Signal(os.Interrupt)
		if err != nil {
			return fmt.Errorf("could not interrupt %q: %w", p.name, err)
		}
		select {
		case <-errch:
		case <-time.After(grace):
			err = p.cmd.Process.Kill()
			if err != nil {
				return fmt.Errorf("could not kill %q: %w", p.name, err)
			}
			<-errch
		}
	case err = <-errch:
		if err != nil {
			return fmt.Errorf("could not run %q: %w", p.name, err)
		}
	}

	return nil
}
