// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"fmt"
	"strings"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/rawdata"
)

// source holds the last values seen from one node of one channel.
type source struct {
	valid  bool
	evt    uint32
	ctr    uint32
	exprun uint32
}

// Validator checks the consistency of raw data blocks: entries of one event
// must agree with each other, and each node must produce consecutive events.
type Validator struct {
	msg  log.MsgStream
	srcs [][]source // [channel][node]
	next [][]source
}

// NewValidator creates a validator with no history.
func NewValidator(msg log.MsgStream) *Validator {
	return &Validator{msg: msg}
}

// Reset forgets the history of all sources.
func (v *Validator) Reset() {
	v.srcs = nil
}

// Validate checks blk against itself and against the history of its sources.
// The history is only updated when the whole block is valid.
func (v *Validator) Validate(blk *rawdata.Block) error {
	if blk.NumEvents() > 0 && blk.NumNodes() == 0 {
		v.msg.Errorf("raw data block with %d events and no node", blk.NumEvents())
		return fmt.Errorf("%w: no node for %d events", rawdata.ErrCorruptedData, blk.NumEvents())
	}

	nodes := blk.Sources
	if len(nodes) == 0 {
		nodes = []int{blk.NumNodes()}
	}

	for evt := 0; evt < blk.NumEvents(); evt++ {
		err := v.checkEvent(blk, evt)
		if err != nil {
			return err
		}
	}

	v.next = resize(v.next, nodes)
	for c := range v.next {
		copy(v.next[c], srcAt(v.srcs, c))
	}

	for evt := 0; evt < blk.NumEvents(); evt++ {
		node := 0
		for c, n := range nodes {
			for i := 0; i < n; i++ {
				e := blk.EntryAt(evt, node)
				st := &v.next[c][i]
				err := st.check(e)
				if err != nil {
					v.msg.Errorf(
						"non-monotonic data (channel=%d, node=%d, node-id=0x%08x, event=%d): %+v",
						c, i, e.NodeID(), evt, err,
					)
					return fmt.Errorf("prepc: invalid sequence (channel=%d, node=%d): %w", c, i, err)
				}
				st.update(e)
				node++
			}
		}
	}

	v.srcs, v.next = v.next, v.srcs
	return nil
}

func (v *Validator) checkEvent(blk *rawdata.Block, evt int) error {
	ref := blk.EntryAt(evt, 0)
	for node := 0; node < blk.NumNodes(); node++ {
		e := blk.EntryAt(evt, node)
		if e.Kind() == rawdata.KindUnknown {
			v.msg.Errorf(
				"unknown entry type (event=%d, node=%d, marker=0x%08x):\n%s",
				evt, node, e.Marker(), hexdump(e[:rawdata.EntryHeaderWords*rawdata.WordSize]),
			)
			return fmt.Errorf(
				"%w: unknown entry type marker 0x%08x (event=%d, node=%d)",
				rawdata.ErrCorruptedData, e.Marker(), evt, node,
			)
		}
		if e.EventNumber() == ref.EventNumber() &&
			e.UTCTime() == ref.UTCTime() &&
			e.TrgType() == ref.TrgType() {
			continue
		}
		v.msg.Errorf("inconsistent entries for event %d:\n%s", evt, eventTable(blk, evt))
		return fmt.Errorf(
			"%w: inconsistent entries (event=%d, node=%d: evt=%d utime=%d trg=0x%x, node=0: evt=%d utime=%d trg=0x%x)",
			rawdata.ErrCorruptedData, evt, node,
			e.EventNumber(), e.UTCTime(), e.TrgType(),
			ref.EventNumber(), ref.UTCTime(), ref.TrgType(),
		)
	}
	return nil
}

func (st *source) check(e rawdata.Entry) error {
	if !st.valid {
		return nil
	}
	exprun := e.ExpRunSubrun()
	switch {
	case exprun < st.exprun:
		return fmt.Errorf(
			"%w: exp/run/subrun went backwards (prev=0x%08x, cur=0x%08x)",
			rawdata.ErrCorruptedData, st.exprun, exprun,
		)
	case exprun > st.exprun:
		// new run or subrun.
		return nil
	}

	if got, want := e.EventNumber(), st.evt+1; got != want {
		return fmt.Errorf(
			"%w: non-consecutive event number (prev=%d, cur=%d)",
			rawdata.ErrCorruptedData, st.evt, got,
		)
	}

	if e.Kind() != rawdata.KindCOPPER {
		return nil
	}
	if got, want := e.Counter(), st.ctr+1; got != want {
		return fmt.Errorf(
			"%w: non-consecutive COPPER counter (prev=%d, cur=%d)",
			rawdata.ErrCorruptedData, st.ctr, got,
		)
	}
	return nil
}

func (st *source) update(e rawdata.Entry) {
	st.valid = true
	st.evt = e.EventNumber()
	st.ctr = e.Counter()
	st.exprun = e.ExpRunSubrun()
}

func resize(srcs [][]source, nodes []int) [][]source {
	if cap(srcs) < len(nodes) {
		srcs = make([][]source, len(nodes))
	}
	srcs = srcs[:len(nodes)]
	for c, n := range nodes {
		if cap(srcs[c]) < n {
			srcs[c] = make([]source, n)
		}
		srcs[c] = srcs[c][:n]
		for i := range srcs[c] {
			srcs[c][i] = source{}
		}
	}
	return srcs
}

func srcAt(srcs [][]source, c int) []source {
	if c >= len(srcs) {
		return nil
	}
	return srcs[c]
}

func eventTable(blk *rawdata.Block, evt int) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "%4s %10s %6s %10s %10s %12s\n", "node", "node-id", "kind", "event", "utime", "trgtype")
	for node := 0; node < blk.NumNodes(); node++ {
		e := blk.EntryAt(evt, node)
		fmt.Fprintf(
			o, "%4d 0x%08x %6v %10d %10d   0x%08x\n",
			node, e.NodeID(), e.Kind(), e.EventNumber(), e.UTCTime(), e.TrgType(),
		)
	}
	return o.String()
}
