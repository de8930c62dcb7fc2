// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"io"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/desser/bufpool"
	"github.com/go-lpc/desser/sockio"
)

// Option configures a node.
type Option func(*Node)

// WithMsgStream sets the message stream of the node.
func WithMsgStream(msg log.MsgStream) Option {
	return func(n *Node) {
		n.msg = msg
	}
}

// WithPauser sets the pause token polled by the node.
// The token is only honored by the pause-resume fault policy.
func WithPauser(p sockio.Pauser) Option {
	return func(n *Node) {
		n.token = p
	}
}

// WithFaultPolicy overrides the fault policy of the configuration.
func WithFaultPolicy(p FaultPolicy) Option {
	return func(n *Node) {
		n.policy = p
	}
}

// WithTap sets a writer receiving a copy of every forwarded send-block.
func WithTap(w io.Writer) Option {
	return func(n *Node) {
		n.tap = w
	}
}

// WithObserver adds an observer of the forwarded raw data blocks.
func WithObserver(o Observer) Option {
	return func(n *Node) {
		n.obs = append(n.obs, o)
	}
}

// WithAllocator sets the allocator of the oversized receive buffers.
func WithAllocator(a bufpool.Allocator) Option {
	return func(n *Node) {
		n.alloc = a
	}
}
