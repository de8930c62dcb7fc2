// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/bufpool"
	"github.com/go-lpc/desser/rawdata"
	"github.com/go-lpc/desser/sockio"
)

// Node is a deserializer node: it reassembles the send-blocks of its
// upstream channels and forwards them downstream.
type Node struct {
	cfg    Config
	msg    log.MsgStream
	policy FaultPolicy
	token  sockio.Pauser // pause token, nil with the fail-fast policy
	pauser sockio.Pauser // pause token of the channels
	tap    io.Writer
	obs    []Observer
	alloc  bufpool.Allocator

	state atomic.Int32
	cnt   counters

	pool *bufpool.Pool
	lis  *sockio.Listener
	srcs []*sockio.Channel
	dst  *sockio.Channel

	rcv *Receiver
	val *Validator
	fwd *Forwarder

	dirtyUp   bool // an upstream stream was left in the middle of a send-block
	dirtyDown bool // the downstream stream was left in the middle of a send-block
}

// New creates a node from the provided configuration and starts listening
// for its downstream consumer.
func New(cfg Config, opts ...Option) (*Node, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("prepc: invalid configuration: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("prepc: no upstream source for node %d", cfg.Node)
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}

	if n.msg == nil {
		lvl, _ := cfg.Log.Lvl()
		n.msg = log.NewMsgStream(fmt.Sprintf("desser-%d", cfg.Node), lvl, os.Stdout)
	}
	if n.policy == nil {
		n.policy, _ = cfg.FaultPolicy()
	}
	if _, ok := n.policy.(PauseResume); !ok {
		n.token = nil
	}

	var popts []bufpool.Option
	if n.alloc != nil {
		popts = append(popts, bufpool.WithAllocator(n.alloc))
	}
	n.pool, err = bufpool.New(cfg.Pool.Slots, cfg.Pool.SlotWords, popts...)
	if err != nil {
		return nil, fmt.Errorf("prepc: could not create buffer pool: %w", err)
	}

	n.lis, err = sockio.Listen(cfg.Listen, n.sockOpts()...)
	if err != nil {
		return nil, fmt.Errorf("prepc: could not create downstream listener: %w", err)
	}

	n.val = NewValidator(n.msg)
	return n, nil
}

func (n *Node) sockOpts() []sockio.Option {
	return []sockio.Option{
		sockio.WithTimeout(n.cfg.Timeout),
		sockio.WithMsgStream(n.msg),
	}
}

func (n *Node) poll() time.Duration {
	if p, ok := n.policy.(PauseResume); ok && p.Poll > 0 {
		return p.Poll
	}
	return n.cfg.Poll
}

// Addr returns the address the downstream consumer connects to.
func (n *Node) Addr() net.Addr {
	return n.lis.Addr()
}

// Start waits for the downstream consumer and connects to all the
// upstream senders.
func (n *Node) Start(ctx context.Context) error {
	n.msg.Infof("waiting for downstream consumer on %v...", n.lis.Addr())
	dst, err := n.lis.Accept(ctx)
	if err != nil {
		return fmt.Errorf("prepc: could not accept downstream connection: %w", err)
	}
	n.dst = dst

	n.srcs = make([]*sockio.Channel, 0, len(n.cfg.Sources))
	for i, addr := range n.cfg.Sources {
		ch, err := sockio.Dial(ctx, addr, n.sockOpts()...)
		if err != nil {
			return fmt.Errorf("prepc: could not connect to upstream channel %d (%s): %w", i, addr, err)
		}
		n.srcs = append(n.srcs, ch)
	}

	n.rcv = NewReceiver(n.msg, n.pool, n.srcs...)
	n.rcv.cnt = &n.cnt
	n.fwd = NewForwarder(n.msg, n.dst, n.cfg.Checksum)
	n.fwd.cnt = &n.cnt
	n.fwd.SetTap(n.tap)

	n.msg.Infof("node %d connected to %d upstream channel(s)", n.cfg.Node, len(n.srcs))
	return nil
}

// runPauser interrupts blocking I/O when the run is stopped or when a
// pause is requested.
type runPauser struct {
	ctx   context.Context
	token sockio.Pauser
}

func (p runPauser) Paused() bool {
	return p.ctx.Err() != nil || (p.token != nil && p.token.Paused())
}

// Run runs the event loop until ctx is done or until the fault policy
// gives up.
func (n *Node) Run(ctx context.Context) error {
	if n.rcv == nil {
		return fmt.Errorf("prepc: node not started")
	}

	n.pauser = runPauser{ctx: ctx, token: n.token}
	n.dst.SetPauser(n.pauser)
	for _, ch := range n.srcs {
		ch.SetPauser(n.pauser)
	}

	n.setState(Running)
	for {
		if ctx.Err() != nil {
			n.setState(Idle)
			return nil
		}

		if n.pauseRequested() {
			err := n.pause(ctx)
			if err != nil {
				return n.stopped(ctx, err)
			}
			continue
		}

		err := n.cycle()
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			n.setState(Idle)
			return nil
		case errors.Is(err, sockio.ErrPaused):
			n.msg.Infof("pause requested during transfer: %v", err)
			err = n.pause(ctx)
			if err != nil {
				return n.stopped(ctx, err)
			}
			continue
		}

		n.cnt.faults.Add(1)
		err = n.policy.Fault(ctx, n, err)
		if err != nil {
			return n.stopped(ctx, err)
		}
	}
}

func (n *Node) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		n.setState(Idle)
		return nil
	}
	n.setState(Error)
	return err
}

// cycle runs one iteration of the event loop.
func (n *Node) cycle() error {
	n.pool.Reset()
	for i := 0; i < n.cfg.EventsPerLoop; i++ {
		blk, err := n.rcv.Receive()
		if err != nil {
			n.dirtyUp = true
			return err
		}
		err = n.process(blk)
		blk.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) process(blk *rawdata.Block) error {
	err := n.val.Validate(blk)
	if err != nil {
		n.dirtyUp = true
		return err
	}

	nbytes, err := n.fwd.Send(blk)
	if err != nil {
		if nbytes > 0 {
			n.dirtyDown = true
		}
		return err
	}

	for _, o := range n.obs {
		o.Observe(blk)
	}
	return nil
}

// Stats returns a snapshot of the node counters.
func (n *Node) Stats() Stats {
	return Stats{
		State:        n.State(),
		Node:         n.cfg.Node,
		BytesIn:      n.cnt.bytesIn.Load(),
		BytesOut:     n.cnt.bytesOut.Load(),
		BlocksIn:     n.cnt.blocksIn.Load(),
		BlocksOut:    n.cnt.blocksOut.Load(),
		Events:       n.cnt.events.Load(),
		Faults:       n.cnt.faults.Load(),
		Resumes:      n.cnt.resumes.Load(),
		LastEvent:    n.cnt.lastEvt.Load(),
		ExpRunSubrun: n.cnt.expRun.Load(),
	}
}

// ResetStats zeroes the node counters.
func (n *Node) ResetStats() {
	n.cnt.reset()
}

// Monitor publishes the node counters to all reporters every freq, until
// ctx is done.
func (n *Node) Monitor(ctx context.Context, freq time.Duration, rs ...Reporter) error {
	tick := time.NewTicker(freq)
	defer tick.Stop()

	report := func() error {
		st := n.Stats()
		for _, r := range rs {
			err := r.Report(st)
			if err != nil {
				return fmt.Errorf("prepc: could not report stats: %w", err)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return report()
		case <-tick.C:
			err := report()
			if err != nil {
				return err
			}
		}
	}
}

// Close closes the listener and all the connections of the node.
func (n *Node) Close() error {
	var errs []error
	for _, ch := range n.srcs {
		errs = append(errs, ch.Close())
	}
	if n.dst != nil {
		errs = append(errs, n.dst.Close())
	}
	if n.lis != nil {
		errs = append(errs, n.lis.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("prepc: could not close node: %w", err)
	}
	return nil
}
