// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser-ctl is an interactive shell to monitor and control a
// running desser-prepc node through its shared-memory regions.
package main // import "github.com/go-lpc/desser/cmd/desser-ctl"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-lpc/desser/internal/shm"
	"github.com/go-lpc/desser/rawdata"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("desser-ctl: ")
	log.SetFlags(0)

	var (
		status = flag.String("status", "/dev/shm/desser.status", "path to the status region of the node")
		pause  = flag.String("pause", "/dev/shm/desser.pause", "path to the pause flag of the node")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: desser-ctl [OPTIONS] [CMD]

ex:
 $> desser-ctl -status /dev/shm/desser-42.status -pause /dev/shm/desser-42.pause
 $> desser-ctl status

commands:
%s
options:
`, help)
		flag.PrintDefaults()
	}

	flag.Parse()

	sh, err := newShell(*status, *pause)
	if err != nil {
		log.Fatalf("could not open node regions: %+v", err)
	}
	defer sh.Close()

	if flag.NArg() > 0 {
		_, err = sh.exec(os.Stdout, strings.Join(flag.Args(), " "))
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	err = sh.run(os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

const help = `  status  display the counters of the node
  pause   request a pause of the data flow
  resume  request a resume of the data flow
  help    display this help message
  quit    exit the shell
`

var cmds = []string{"status", "pause", "resume", "help", "quit"}

type shell struct {
	status *shm.Status
	pause  *shm.Flag
	now    func() time.Time
}

func newShell(status, pause string) (*shell, error) {
	st, err := shm.OpenStatus(status)
	if err != nil {
		return nil, fmt.Errorf("could not open status region: %w", err)
	}

	pf, err := shm.OpenFlag(pause)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("could not open pause flag: %w", err)
	}

	return &shell{status: st, pause: pf, now: time.Now}, nil
}

func (sh *shell) Close() error {
	err1 := sh.status.Close()
	err2 := sh.pause.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (sh *shell) run(w io.Writer) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var o []string
		for _, cmd := range cmds {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				o = append(o, cmd)
			}
		}
		return o
	})

	for {
		line, err := term.Prompt("desser> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintf(w, "\n")
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := sh.exec(w, line)
		if err != nil {
			fmt.Fprintf(w, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) exec(w io.Writer, line string) (bool, error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return false, nil
	}

	switch cmd := strings.ToLower(toks[0]); cmd {
	case "status", "st":
		return false, sh.display(w)
	case "pause":
		sh.pause.Set(true)
		fmt.Fprintf(w, "pause requested\n")
	case "resume":
		sh.pause.Set(false)
		fmt.Fprintf(w, "resume requested\n")
	case "help", "?":
		fmt.Fprintf(w, "%s", help)
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func (sh *shell) display(w io.Writer) error {
	st, beat, err := sh.status.Read()
	if err != nil {
		return fmt.Errorf("could not read node status: %w", err)
	}

	exp, run, sub := rawdata.UnpackExpRun(st.ExpRunSubrun)
	fmt.Fprintf(w, "node:       %d\n", st.Node)
	fmt.Fprintf(w, "state:      %v (pause requested: %v)\n", st.State, sh.pause.Paused())
	fmt.Fprintf(w, "heartbeat:  %v ago\n", sh.now().Sub(beat).Round(time.Millisecond))
	fmt.Fprintf(w, "exp/run:    %d/%d/%d\n", exp, run, sub)
	fmt.Fprintf(w, "last event: %d\n", st.LastEvent)
	fmt.Fprintf(w, "events:     %d\n", st.Events)
	fmt.Fprintf(w, "blocks:     in=%d out=%d\n", st.BlocksIn, st.BlocksOut)
	fmt.Fprintf(w, "bytes:      in=%d out=%d\n", st.BytesIn, st.BytesOut)
	fmt.Fprintf(w, "faults:     %d (resumes: %d)\n", st.Faults, st.Resumes)
	return nil
}
