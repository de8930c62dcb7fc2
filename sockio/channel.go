// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sockio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Channel is a connected TCP stream to an upstream sender or to the
// downstream consumer.
//
// A Channel is used by a single goroutine at a time, except for SetPauser.
type Channel struct {
	cfg  config
	addr string // remote address to re-dial, empty for accepted channels

	mu    sync.RWMutex
	conn  net.Conn
	pause Pauser
}

// NewChannel wraps an already connected conn.
func NewChannel(conn net.Conn, opts ...Option) *Channel {
	cfg := newConfig(opts)
	return &Channel{cfg: cfg, conn: conn, pause: cfg.pause}
}

// Dial connects to the sender at addr, retrying until it succeeds or
// until ctx is done.
func Dial(ctx context.Context, addr string, opts ...Option) (*Channel, error) {
	ch := &Channel{cfg: newConfig(opts), addr: addr}
	ch.pause = ch.cfg.pause
	conn, err := ch.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch.conn = conn
	return ch, nil
}

func (ch *Channel) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: ch.cfg.timeout}
	for i := 0; ; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", ch.addr)
		if err == nil {
			err = setNoDelay(conn)
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("sockio: could not set TCP_NODELAY on %q: %w", ch.addr, err)
			}
			ch.cfg.msg.Infof("connected to %s (attempts=%d)", ch.addr, i+1)
			return conn, nil
		}
		if i == 0 {
			ch.cfg.msg.Infof("waiting for %s: %v", ch.addr, err)
		}

		timer := time.NewTimer(ch.cfg.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("sockio: could not connect to %q: %w", ch.addr, ctx.Err())
		case <-timer.C:
		}
	}
}

// Reconnect closes the current connection and dials the remote sender again.
func (ch *Channel) Reconnect(ctx context.Context) error {
	if ch.addr == "" {
		return fmt.Errorf("sockio: can not re-dial accepted channel %v", ch.RemoteAddr())
	}
	ch.mu.Lock()
	if ch.conn != nil {
		_ = ch.conn.Close()
		ch.conn = nil
	}
	ch.mu.Unlock()

	conn, err := ch.dial(ctx)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	return nil
}

// Addr returns the address the channel dials, if any.
func (ch *Channel) Addr() string { return ch.addr }

// RemoteAddr returns the address of the peer.
func (ch *Channel) RemoteAddr() net.Addr {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.conn == nil {
		return nil
	}
	return ch.conn.RemoteAddr()
}

// SetPauser replaces the pause token polled on I/O timeouts.
func (ch *Channel) SetPauser(p Pauser) {
	ch.mu.Lock()
	ch.pause = p
	ch.mu.Unlock()
}

func (ch *Channel) current() net.Conn {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.conn
}

func (ch *Channel) paused() bool {
	ch.mu.RLock()
	p := ch.pause
	ch.mu.RUnlock()
	return p != nil && p.Paused()
}

// Close closes the underlying connection.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return nil
	}
	err := ch.conn.Close()
	ch.conn = nil
	return err
}

// ReceiveExact reads exactly len(p) bytes into p.
//
// Partial reads are accumulated. An I/O timeout is transient: ReceiveExact
// returns ErrPaused when a pause was requested and keeps on reading
// otherwise. End of stream and other failures yield ErrConnectionLost.
func (ch *Channel) ReceiveExact(p []byte) error {
	conn := ch.current()
	if conn == nil {
		return fmt.Errorf("%w: channel is closed", ErrConnectionLost)
	}

	for off := 0; off < len(p); {
		_ = conn.SetReadDeadline(time.Now().Add(ch.cfg.timeout))
		n, err := conn.Read(p[off:])
		off += n
		if err == nil {
			continue
		}
		switch {
		case isTimeout(err):
			if ch.paused() {
				return fmt.Errorf("%w: receive interrupted (recv=%d/%d bytes)", ErrPaused, off, len(p))
			}
		case errors.Is(err, io.EOF):
			return fmt.Errorf(
				"%w: peer %v closed the connection (recv=%d/%d bytes)",
				ErrConnectionLost, conn.RemoteAddr(), off, len(p),
			)
		default:
			return fmt.Errorf(
				"%w: could not receive from %v (recv=%d/%d bytes): %w",
				ErrConnectionLost, conn.RemoteAddr(), off, len(p), err,
			)
		}
	}
	return nil
}

// SendExact writes all of p to the peer.
func (ch *Channel) SendExact(p []byte) error {
	_, err := ch.Sendv(p)
	return err
}

// Sendv writes the provided segments, in order, with a scatter-gather
// write. A short write is resumed at the exact byte offset within the
// segment where it stopped.
// Sendv returns the number of bytes written.
func (ch *Channel) Sendv(segs ...[]byte) (int, error) {
	conn := ch.current()
	if conn == nil {
		return 0, fmt.Errorf("%w: channel is closed", ErrConnectionLost)
	}

	total := 0
	for _, seg := range segs {
		total += len(seg)
	}

	bufs := make([][]byte, len(segs))
	copy(bufs, segs)

	sent := 0
	for sent < total {
		_ = conn.SetWriteDeadline(time.Now().Add(ch.cfg.timeout))
		vec := net.Buffers(append([][]byte(nil), bufs...))
		n64, err := vec.WriteTo(conn)
		n := int(n64)
		sent += n
		bufs = advance(bufs, n)

		if err != nil && !isTimeout(err) {
			return sent, fmt.Errorf(
				"%w: could not send to %v (sent=%d/%d bytes): %w",
				ErrConnectionLost, conn.RemoteAddr(), sent, total, err,
			)
		}
		if sent == total {
			break
		}
		if n > 0 {
			ch.cfg.msg.Warnf(
				"short write to %v: sent=%d/%d bytes, resuming at segment %d",
				conn.RemoteAddr(), sent, total, len(segs)-len(bufs),
			)
		}
		if err != nil && ch.paused() {
			return sent, fmt.Errorf("%w: send interrupted (sent=%d/%d bytes)", ErrPaused, sent, total)
		}
	}
	return sent, nil
}

// advance drops the first n bytes from bufs.
func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	if len(bufs) > 0 && n > 0 {
		bufs[0] = bufs[0][n:]
	}
	return bufs
}
