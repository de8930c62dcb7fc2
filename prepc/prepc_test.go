// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/rawdata"
)

var msg = log.NewMsgStream("prepc-test", log.LvlDebug, io.Discard)

var exprun = rawdata.PackExpRun(1, 42, 0)

// entry describes one entry of a test send-block.
type entry struct {
	kind    rawdata.Kind
	evt     uint32
	node    uint32
	ctr     uint32
	utime   uint32
	trg     uint32
	exprun  uint32
	payload []uint32
}

func mkEntry(evt, node uint32) entry {
	return entry{
		kind:   rawdata.KindCOPPER,
		evt:    evt,
		node:   node,
		ctr:    evt,
		utime:  1600000000 + evt,
		trg:    rawdata.PackTrgType(evt&0xfff, 1),
		exprun: exprun,
	}
}

func (e entry) append(dst []byte) []byte {
	return rawdata.AppendEntry(dst, rawdata.EntryHeader{
		Kind:         e.kind,
		ExpRunSubrun: e.exprun,
		EventNumber:  e.evt,
		TrgType:      e.trg,
		UTCTime:      e.utime,
		NodeID:       e.node,
		Counter:      e.ctr,
	}, e.payload...)
}

// mkSendBlock encodes a send-block holding nevts events of the provided
// entries, laid out event-major.
func mkSendBlock(nevts int, entries ...entry) []byte {
	var body []byte
	for _, e := range entries {
		body = e.append(body)
	}
	nnodes := 0
	if nevts > 0 {
		nnodes = len(entries) / nevts
	}
	hdr := rawdata.SendHeader{
		NWords:       uint32(rawdata.SendHeaderWords + len(body)/rawdata.WordSize + rawdata.SendTrailerWords),
		NumEvents:    uint16(nevts),
		NumNodes:     uint16(nnodes),
		ExpRunSubrun: exprun,
	}
	if len(entries) > 0 {
		hdr.EventNumber = entries[0].evt
		hdr.NodeID = entries[0].node
	}

	out, _ := hdr.MarshalBinary()
	out = append(out, body...)
	trl := make([]byte, rawdata.SendTrailerWords*rawdata.WordSize)
	rawdata.PutTrailer(trl, rawdata.EncodeTrailer(body, false))
	return append(out, trl...)
}

// mkEvents creates the entries of nevts consecutive events starting at
// evt, for nodes node0, node0+1, ...
func mkEvents(evt uint32, nevts int, node0 uint32, nnodes int) []entry {
	var es []entry
	for i := 0; i < nevts; i++ {
		for j := 0; j < nnodes; j++ {
			es = append(es, mkEntry(evt+uint32(i), node0+uint32(j)))
		}
	}
	return es
}

type addr string

func (a addr) Network() string { return "fake" }
func (a addr) String() string  { return string(a) }

// rconn serves reads from a fixed byte stream and records writes.
type rconn struct {
	r *bytes.Reader
	w bytes.Buffer
}

func newRConn(p ...[]byte) *rconn {
	return &rconn{r: bytes.NewReader(bytes.Join(p, nil))}
}

func (c *rconn) Read(p []byte) (int, error)       { return c.r.Read(p) }
func (c *rconn) Write(p []byte) (int, error)      { return c.w.Write(p) }
func (c *rconn) Close() error                     { return nil }
func (c *rconn) LocalAddr() net.Addr              { return addr("local") }
func (c *rconn) RemoteAddr() net.Addr             { return addr("remote") }
func (c *rconn) SetDeadline(time.Time) error      { return nil }
func (c *rconn) SetReadDeadline(time.Time) error  { return nil }
func (c *rconn) SetWriteDeadline(time.Time) error { return nil }

type trackingAllocator struct {
	allocs int
	frees  int
}

func (a *trackingAllocator) Alloc(size int) []byte {
	a.allocs++
	return make([]byte, size)
}

func (a *trackingAllocator) Free(p []byte) { a.frees++ }
