// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package prepc implements the deserializer node of the readout PCs.
//
// A node receives one send-block per cycle from each of its upstream
// channels, reassembles them into a single raw data block, checks the
// consistency of the event data and forwards the block to its downstream
// consumer.
package prepc // import "github.com/go-lpc/desser/prepc"

import (
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/desser/rawdata"
)

// State describes the lifecycle state of a node.
type State int32

const (
	Idle State = iota
	Running
	PauseRequested
	Paused
	Resuming
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case PauseRequested:
		return "pause-requested"
	case Paused:
		return "paused"
	case Resuming:
		return "resuming"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats is a snapshot of the counters of a node.
type Stats struct {
	State        State
	Node         uint32
	BytesIn      uint64 // bytes received from all upstream channels
	BytesOut     uint64 // bytes forwarded downstream
	BlocksIn     uint64 // raw data blocks reassembled
	BlocksOut    uint64 // raw data blocks forwarded
	Events       uint64 // events forwarded
	Faults       uint64
	Resumes      uint64
	LastEvent    uint32 // event number of the last forwarded block
	ExpRunSubrun uint32 // exp/run/subrun of the last forwarded block
}

type counters struct {
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	blocksIn  atomic.Uint64
	blocksOut atomic.Uint64
	events    atomic.Uint64
	faults    atomic.Uint64
	resumes   atomic.Uint64
	lastEvt   atomic.Uint32
	expRun    atomic.Uint32
}

func (cnt *counters) reset() {
	cnt.bytesIn.Store(0)
	cnt.bytesOut.Store(0)
	cnt.blocksIn.Store(0)
	cnt.blocksOut.Store(0)
	cnt.events.Store(0)
	cnt.faults.Store(0)
	cnt.resumes.Store(0)
	cnt.lastEvt.Store(0)
	cnt.expRun.Store(0)
}

// Observer is notified of every raw data block forwarded downstream.
// Observe is called from the event loop and must not retain blk.
type Observer interface {
	Observe(blk *rawdata.Block)
}

// Reporter publishes snapshots of the node counters.
type Reporter interface {
	Report(st Stats) error
}
