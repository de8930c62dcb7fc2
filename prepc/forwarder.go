// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"fmt"
	"io"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/rawdata"
	"github.com/go-lpc/desser/sockio"
)

// Forwarder frames raw data blocks as send-blocks and writes them to the
// downstream consumer.
type Forwarder struct {
	msg      log.MsgStream
	ch       *sockio.Channel
	checksum bool
	cnt      *counters

	hdr []byte
	trl []byte
	tap *rawdata.Encoder
}

// NewForwarder creates a forwarder writing to ch.
// When checksum is set, the send trailer carries the CRC-16 of the body.
func NewForwarder(msg log.MsgStream, ch *sockio.Channel, checksum bool) *Forwarder {
	return &Forwarder{
		msg:      msg,
		ch:       ch,
		checksum: checksum,
		cnt:      new(counters),
		hdr:      make([]byte, rawdata.SendHeaderWords*rawdata.WordSize),
		trl:      make([]byte, rawdata.SendTrailerWords*rawdata.WordSize),
	}
}

// SetTap sets a writer receiving a copy of every forwarded send-block.
func (fwd *Forwarder) SetTap(w io.Writer) {
	if w == nil {
		fwd.tap = nil
		return
	}
	fwd.tap = rawdata.NewEncoder(w)
}

// Send writes blk downstream and returns the number of bytes written.
func (fwd *Forwarder) Send(blk *rawdata.Block) (int, error) {
	var (
		ref   rawdata.Entry
		found = false
	)
	for i := 0; i < blk.NumEntries(); i++ {
		e := blk.Entry(i)
		switch e.Kind() {
		case rawdata.KindFTSW, rawdata.KindTLU:
			continue
		}
		ref = e
		found = true
		break
	}
	if !found {
		fwd.msg.Errorf("no COPPER entry in block (entries=%d)", blk.NumEntries())
		return 0, fmt.Errorf(
			"%w: no COPPER entry in block (entries=%d)",
			rawdata.ErrCorruptedData, blk.NumEntries(),
		)
	}

	hdr, err := rawdata.EncodeHeader(blk, ref.EventNumber(), ref.NodeID(), ref.ExpRunSubrun())
	if err != nil {
		fwd.msg.Errorf("could not encode send header: %+v", err)
		return 0, fmt.Errorf("prepc: could not encode send header: %w", err)
	}

	body := blk.Bytes()
	rawdata.PutHeader(fwd.hdr, hdr)
	rawdata.PutTrailer(fwd.trl, rawdata.EncodeTrailer(body, fwd.checksum))

	n, err := fwd.ch.Sendv(fwd.hdr, body, fwd.trl)
	if err != nil {
		return n, fmt.Errorf("prepc: could not forward send-block (event=%d): %w", hdr.EventNumber, err)
	}
	if want := int(hdr.NWords) * rawdata.WordSize; n != want {
		return n, fmt.Errorf("prepc: short send-block write (sent=%d, want=%d bytes)", n, want)
	}

	if fwd.tap != nil {
		err = fwd.tap.WriteRaw(fwd.hdr, body, fwd.trl)
		if err != nil {
			fwd.msg.Warnf("could not write send-block to tap, disabling tap: %+v", err)
			fwd.tap = nil
		}
	}

	fwd.cnt.bytesOut.Add(uint64(n))
	fwd.cnt.blocksOut.Add(1)
	fwd.cnt.events.Add(uint64(blk.NumEvents()))
	fwd.cnt.lastEvt.Store(hdr.EventNumber)
	fwd.cnt.expRun.Store(hdr.ExpRunSubrun)
	return n, nil
}
