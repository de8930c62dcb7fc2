// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sockio

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Listener accepts the connection of the downstream consumer.
type Listener struct {
	l    net.Listener
	cfg  config
	opts []Option
}

// Listen announces on the provided TCP address.
func Listen(addr string, opts ...Option) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockio: could not listen on %q: %w", addr, err)
	}
	return &Listener{l: l, cfg: newConfig(opts), opts: opts}, nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept waits for the next connection, until ctx is done.
// The returned channel is configured with the listener options.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	tcp, _ := l.l.(*net.TCPListener)
	for {
		if tcp != nil {
			_ = tcp.SetDeadline(time.Now().Add(l.cfg.timeout))
		}
		conn, err := l.l.Accept()
		if err != nil {
			if !isTimeout(err) {
				return nil, fmt.Errorf("sockio: could not accept connection on %v: %w", l.Addr(), err)
			}
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("sockio: could not accept connection on %v: %w", l.Addr(), err)
			}
			continue
		}

		err = setNoDelay(conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sockio: could not set TCP_NODELAY on %v: %w", conn.RemoteAddr(), err)
		}
		l.cfg.msg.Infof("accepted connection from %v", conn.RemoteAddr())
		return NewChannel(conn, l.opts...), nil
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.l.Close()
}
