// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"fmt"
	"strings"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/bufpool"
	"github.com/go-lpc/desser/rawdata"
	"github.com/go-lpc/desser/sockio"
)

// Receiver reads one send-block from each upstream channel and reassembles
// them into a single raw data block.
type Receiver struct {
	msg   log.MsgStream
	pool  *bufpool.Pool
	chans []*sockio.Channel
	cnt   *counters

	hbuf [][]byte // per-channel send header buffers
	tbuf []byte   // send trailer scratch buffer
	hdrs []rawdata.SendHeader
	offs [][]int // per-channel entry offsets, relative to the channel body
}

// NewReceiver creates a receiver reading from the provided channels and
// storing reassembled blocks into buffers from pool.
func NewReceiver(msg log.MsgStream, pool *bufpool.Pool, chans ...*sockio.Channel) *Receiver {
	rcv := &Receiver{
		msg:   msg,
		pool:  pool,
		chans: chans,
		cnt:   new(counters),
		hbuf:  make([][]byte, len(chans)),
		tbuf:  make([]byte, rawdata.SendTrailerWords*rawdata.WordSize),
		hdrs:  make([]rawdata.SendHeader, len(chans)),
		offs:  make([][]int, len(chans)),
	}
	for i := range rcv.hbuf {
		rcv.hbuf[i] = make([]byte, rawdata.SendHeaderWords*rawdata.WordSize)
	}
	return rcv
}

// Receive reads the next send-block of every channel and returns the
// reassembled raw data block.
// The caller must release the returned block.
func (rcv *Receiver) Receive() (*rawdata.Block, error) {
	for i, ch := range rcv.chans {
		err := ch.ReceiveExact(rcv.hbuf[i])
		if err != nil {
			return nil, fmt.Errorf("prepc: could not receive send header (channel=%d): %w", i, err)
		}
		hdr, err := rawdata.DecodeHeader(rcv.hbuf[i])
		if err != nil {
			rcv.msg.Errorf("invalid send header (channel=%d):\n%s", i, hexdump(rcv.hbuf[i]))
			return nil, fmt.Errorf("prepc: could not decode send header (channel=%d): %w", i, err)
		}
		rcv.hdrs[i] = hdr
	}

	var (
		nevts = int(rcv.hdrs[0].NumEvents)
		total = 0
		nodes = 0
	)
	for i, hdr := range rcv.hdrs {
		if int(hdr.NumEvents) != nevts {
			rcv.msg.Errorf(
				"inconsistent number of events (channel=%d: %d, channel=0: %d)",
				i, hdr.NumEvents, nevts,
			)
			return nil, fmt.Errorf(
				"%w: inconsistent number of events (channel=%d: %d, channel=0: %d)",
				rawdata.ErrCorruptedData, i, hdr.NumEvents, nevts,
			)
		}
		n := hdr.BodyWords()
		if n > rawdata.MaxBlockWords {
			rcv.msg.Errorf(
				"send-block too large (channel=%d, words=%d, max=%d):\n%s",
				i, n, rawdata.MaxBlockWords, hexdump(rcv.hbuf[i]),
			)
			return nil, fmt.Errorf(
				"%w: send-block too large (channel=%d, words=%d, max=%d)",
				rawdata.ErrCorruptedData, i, n, rawdata.MaxBlockWords,
			)
		}
		total += n
		nodes += int(hdr.NumNodes)
	}
	if nevts > 0 && nodes == 0 {
		rcv.msg.Errorf("send-blocks with %d events and no node:\n%s", nevts, hexdump(rcv.hbuf[0]))
		return nil, fmt.Errorf(
			"%w: no node for %d events",
			rawdata.ErrCorruptedData, nevts,
		)
	}

	buf, err := rcv.pool.Acquire(total)
	if err != nil {
		return nil, fmt.Errorf("prepc: could not acquire receive buffer (%d words): %w", total, err)
	}
	ok := false
	defer func() {
		if !ok {
			buf.Release()
		}
	}()

	var (
		body   = buf.Bytes()
		srcs   = make([]int, len(rcv.chans))
		bases  = make([]int, len(rcv.chans))
		nnodes = 0
		beg    = 0
	)
	for i, ch := range rcv.chans {
		var (
			hdr = rcv.hdrs[i]
			n   = hdr.BodyWords()
			p   = body[beg*rawdata.WordSize : (beg+n)*rawdata.WordSize]
		)

		err = ch.ReceiveExact(p)
		if err != nil {
			return nil, fmt.Errorf("prepc: could not receive send-block body (channel=%d, words=%d): %w", i, n, err)
		}

		offs, err := rawdata.ScanEntries(p, n)
		if err != nil {
			rcv.msg.Errorf("invalid entries (channel=%d, words=%d): %+v", i, n, err)
			return nil, fmt.Errorf("prepc: invalid send-block body (channel=%d): %w", i, err)
		}
		if got, want := len(offs), nevts*int(hdr.NumNodes); got != want {
			rcv.msg.Errorf(
				"invalid number of entries (channel=%d, got=%d, want=%d events x %d nodes)",
				i, got, nevts, hdr.NumNodes,
			)
			return nil, fmt.Errorf(
				"%w: invalid number of entries (channel=%d, got=%d, want=%d)",
				rawdata.ErrCorruptedData, i, got, want,
			)
		}
		rcv.offs[i] = offs

		err = ch.ReceiveExact(rcv.tbuf)
		if err != nil {
			return nil, fmt.Errorf("prepc: could not receive send trailer (channel=%d): %w", i, err)
		}
		trl, err := rawdata.DecodeTrailer(rcv.tbuf)
		if err == nil {
			err = trl.Verify(p)
		}
		if err != nil {
			rcv.msg.Errorf("invalid send trailer (channel=%d):\n%s", i, hexdump(rcv.tbuf))
			return nil, fmt.Errorf("prepc: invalid send trailer (channel=%d): %w", i, err)
		}

		srcs[i] = int(hdr.NumNodes)
		bases[i] = beg
		nnodes += srcs[i]
		beg += n
		rcv.cnt.bytesIn.Add(uint64(hdr.NWords) * rawdata.WordSize)
	}

	if nevts > 1 && len(rcv.chans) > 1 {
		out, err := rcv.pool.Acquire(total)
		if err != nil {
			return nil, fmt.Errorf("prepc: could not acquire interleave buffer (%d words): %w", total, err)
		}
		interleave(out.Bytes(), body, bases, rcv.offs, srcs, nevts)
		buf.Release()
		buf = out
		body = out.Bytes()
	}

	blk, err := rawdata.NewBlock(body, nevts, nnodes)
	if err != nil {
		rcv.msg.Errorf("invalid raw data block (events=%d, nodes=%d): %+v", nevts, nnodes, err)
		return nil, fmt.Errorf("prepc: could not create raw data block: %w", err)
	}
	blk.Sources = srcs
	blk.SetReleaser(buf)
	ok = true

	rcv.cnt.blocksIn.Add(1)
	return blk, nil
}

// interleave copies the channel-major entries of src into dst, event-major.
// bases holds the word offset of each channel body within src.
func interleave(dst, src []byte, bases []int, offs [][]int, nodes []int, nevts int) {
	pos := 0
	for evt := 0; evt < nevts; evt++ {
		for c := range offs {
			for node := 0; node < nodes[c]; node++ {
				beg := (bases[c] + offs[c][evt*nodes[c]+node]) * rawdata.WordSize
				n := rawdata.Entry(src[beg:]).NumWords() * rawdata.WordSize
				pos += copy(dst[pos:], src[beg:beg+n])
			}
		}
	}
}

func hexdump(p []byte) string {
	o := new(strings.Builder)
	rawdata.Dump(o, p)
	return o.String()
}
