// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/desser/bufpool"
	"golang.org/x/sync/errgroup"
)

// FaultPolicy decides what a node does when a cycle failed.
type FaultPolicy interface {
	// Fault handles err, the failure of the last cycle of node.
	// A nil return value resumes the event loop, a non-nil one terminates it.
	Fault(ctx context.Context, node *Node, err error) error
}

// FailFast terminates the event loop on the first fault.
type FailFast struct{}

func (FailFast) Fault(ctx context.Context, node *Node, err error) error {
	node.msg.Errorf("fault: %+v", err)
	return err
}

// PauseResume pauses the node on a fault, waits for the pause token to be
// cleared and resumes the data flow after re-establishing the connections.
type PauseResume struct {
	Poll time.Duration // pause token polling period
}

func (p PauseResume) Fault(ctx context.Context, node *Node, err error) error {
	if errors.Is(err, bufpool.ErrExhausted) {
		node.msg.Errorf("unrecoverable fault: %+v", err)
		return err
	}

	node.msg.Errorf("fault, pausing: %+v", err)
	node.setState(Error)
	node.setState(Paused)

	poll := p.Poll
	if poll <= 0 {
		poll = time.Second
	}
	err = node.waitResume(ctx, poll, true)
	if err != nil {
		return err
	}
	return node.resume(ctx)
}

func (n *Node) setState(s State) {
	old := State(n.state.Swap(int32(s)))
	if old != s {
		n.msg.Debugf("state: %v -> %v", old, s)
	}
}

// State returns the current lifecycle state of the node.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) pauseRequested() bool {
	return n.token != nil && n.token.Paused()
}

// pause holds the data flow until the pause token is cleared, then resumes.
func (n *Node) pause(ctx context.Context) error {
	n.setState(PauseRequested)
	n.msg.Infof("pause requested")
	n.setState(Paused)

	err := n.waitResume(ctx, n.poll(), false)
	if err != nil {
		return err
	}
	return n.resume(ctx)
}

// waitResume polls the pause token until it is cleared.
// After a fault with no pause token, waitResume waits one polling period.
func (n *Node) waitResume(ctx context.Context, poll time.Duration, fault bool) error {
	if n.token == nil && fault {
		timer := time.NewTimer(poll)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	tick := time.NewTicker(poll)
	defer tick.Stop()
	for n.pauseRequested() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// resume re-establishes the connections that were lost or left in the
// middle of a send-block and restarts the data flow.
func (n *Node) resume(ctx context.Context) error {
	n.setState(Resuming)
	n.msg.Infof("resuming (upstream-dirty=%v, downstream-dirty=%v)", n.dirtyUp, n.dirtyDown)

	if n.dirtyDown || n.dst.CheckLiveness() != nil {
		n.msg.Warnf("downstream %v lost, waiting for a new connection", n.dst.RemoteAddr())
		_ = n.dst.Close()
		dst, err := n.lis.Accept(ctx)
		if err != nil {
			return fmt.Errorf("prepc: could not accept downstream connection: %w", err)
		}
		dst.SetPauser(n.pauser)
		n.dst = dst
		n.fwd.ch = dst
	}

	grp, gctx := errgroup.WithContext(ctx)
	for i := range n.srcs {
		i, ch := i, n.srcs[i]
		if !n.dirtyUp && ch.CheckLiveness() == nil {
			continue
		}
		n.msg.Warnf("re-connecting upstream channel %d (%s)", i, ch.Addr())
		grp.Go(func() error {
			err := ch.Reconnect(gctx)
			if err != nil {
				return fmt.Errorf("prepc: could not re-connect upstream channel %d: %w", i, err)
			}
			return nil
		})
	}
	err := grp.Wait()
	if err != nil {
		return err
	}

	n.dirtyUp = false
	n.dirtyDown = false
	n.val.Reset()
	n.pool.Reset()
	n.cnt.resumes.Add(1)
	n.setState(Running)
	n.msg.Infof("resumed")
	return nil
}
