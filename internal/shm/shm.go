// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shm exposes the state of a running node to other processes of
// the readout PC through memory-mapped files.
package shm // import "github.com/go-lpc/desser/internal/shm"

import (
	"fmt"
	"time"

	"github.com/go-lpc/desser/internal/mmap"
	"github.com/go-lpc/desser/prepc"
)

const statusMagic = 0x64737372 // "dssr"

// status region layout, in bytes.
const (
	offMagic     = 0
	offState     = 4
	offNode      = 8
	offLastEvent = 12
	offExpRun    = 16
	offBeat      = 24 // unix nanoseconds of the last report
	offBytesIn   = 32
	offBytesOut  = 40
	offBlocksIn  = 48
	offBlocksOut = 56
	offEvents    = 64
	offFaults    = 72
	offResumes   = 80

	statusSize = 88
	flagSize   = 8
)

// Status is a shared status region, written by a node and read by
// monitoring tools.
type Status struct {
	h *mmap.Handle
}

// OpenStatus maps the status region stored in fname.
func OpenStatus(fname string) (*Status, error) {
	h, err := mmap.Open(fname, statusSize)
	if err != nil {
		return nil, fmt.Errorf("shm: could not open status region: %w", err)
	}
	return &Status{h: h}, nil
}

// Report publishes st, along with the current time as heartbeat.
func (s *Status) Report(st prepc.Stats) error {
	s.h.Store32(offState, uint32(st.State))
	s.h.Store32(offNode, st.Node)
	s.h.Store32(offLastEvent, st.LastEvent)
	s.h.Store32(offExpRun, st.ExpRunSubrun)
	s.h.Store64(offBytesIn, st.BytesIn)
	s.h.Store64(offBytesOut, st.BytesOut)
	s.h.Store64(offBlocksIn, st.BlocksIn)
	s.h.Store64(offBlocksOut, st.BlocksOut)
	s.h.Store64(offEvents, st.Events)
	s.h.Store64(offFaults, st.Faults)
	s.h.Store64(offResumes, st.Resumes)
	s.h.Store64(offBeat, uint64(time.Now().UnixNano()))
	s.h.Store32(offMagic, statusMagic)
	return nil
}

// Read returns the last published counters and the time they were
// published at.
func (s *Status) Read() (prepc.Stats, time.Time, error) {
	if s.h.Load32(offMagic) != statusMagic {
		return prepc.Stats{}, time.Time{}, fmt.Errorf("shm: status region never written")
	}
	st := prepc.Stats{
		State:        prepc.State(s.h.Load32(offState)),
		Node:         s.h.Load32(offNode),
		LastEvent:    s.h.Load32(offLastEvent),
		ExpRunSubrun: s.h.Load32(offExpRun),
		BytesIn:      s.h.Load64(offBytesIn),
		BytesOut:     s.h.Load64(offBytesOut),
		BlocksIn:     s.h.Load64(offBlocksIn),
		BlocksOut:    s.h.Load64(offBlocksOut),
		Events:       s.h.Load64(offEvents),
		Faults:       s.h.Load64(offFaults),
		Resumes:      s.h.Load64(offResumes),
	}
	beat := time.Unix(0, int64(s.h.Load64(offBeat)))
	return st, beat, nil
}

func (s *Status) Close() error {
	return s.h.Close()
}

// Flag is a shared pause token.
// A node polls it, a control tool sets and clears it.
type Flag struct {
	h *mmap.Handle
}

// OpenFlag maps the pause flag stored in fname.
func OpenFlag(fname string) (*Flag, error) {
	h, err := mmap.Open(fname, flagSize)
	if err != nil {
		return nil, fmt.Errorf("shm: could not open pause flag: %w", err)
	}
	return &Flag{h: h}, nil
}

// Paused reports whether a pause was requested.
func (f *Flag) Paused() bool {
	return f.h.Load32(0) != 0
}

// Set requests (v=true) or clears (v=false) a pause.
func (f *Flag) Set(v bool) {
	var w uint32
	if v {
		w = 1
	}
	f.h.Store32(0, w)
}

func (f *Flag) Close() error {
	return f.h.Close()
}

var (
	_ prepc.Reporter = (*Status)(nil)
)
