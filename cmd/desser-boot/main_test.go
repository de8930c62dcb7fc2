// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewProc(t *testing.T) {
	p := newProc("desser-prepc", "/etc/desser/node-42.yaml")
	if got, want := p.name, "node-42"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
	if got, want := strings.Join(p.cmd.Args, " "), "desser-prepc -cfg /etc/desser/node-42.yaml"; got != want {
		t.Fatalf("invalid command: got=%q, want=%q", got, want)
	}
}

func TestRun(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("no sleep command: %+v", err)
	}

	mk := func(d string) []proc {
		return []proc{
			{name: "node-1", cmd: exec.Command(sleep, d)},
			{name: "node-2", cmd: exec.Command(sleep, d)},
			{name: "node-3", cmd: exec.Command(sleep, d)},
		}
	}

	for _, tc := range []struct {
		name  string
		procs []proc
		mon   bool
		stop  bool
	}{
		{
			name:  "simple",
			procs: mk("1"),
		},
		{
			name:  "simple-pmon",
			procs: mk("2"),
			mon:   true,
		},
		{
			name:  "simple-stop",
			procs: mk("10"),
			stop:  true,
		},
		{
			name:  "simple-stop-pmon",
			procs: mk("10"),
			stop:  true,
			mon:   true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()

			stop := make(chan os.Signal, 1)
			if tc.stop {
				go func() {
					time.Sleep(1 * time.Second)
					stop <- os.Interrupt
				}()
			}
			err := run(tc.mon, 100*time.Millisecond, tc.procs, dir, stop)
			if err != nil {
				t.Fatalf("could not run processes: %+v", err)
			}

			for _, p := range tc.procs {
				_, err := os.Stat(filepath.Join(dir, p.name+".log"))
				if err != nil {
					t.Fatalf("missing log file for %q: %+v", p.name, err)
				}
			}
		})
	}
}
