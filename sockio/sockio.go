// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sockio provides the blocking, timeout-aware TCP channels used to
// receive send-blocks from upstream senders and to forward raw data blocks
// to the downstream consumer.
package sockio // import "github.com/go-lpc/desser/sockio"

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
)

var (
	// ErrConnectionLost is returned when the peer closed the connection or
	// when the connection failed.
	ErrConnectionLost = errors.New("sockio: connection lost")

	// ErrPaused is returned when a blocking operation was interrupted
	// because a pause was requested.
	ErrPaused = errors.New("sockio: paused")
)

const (
	DialBackoff    = 500 * time.Millisecond // delay between two dial attempts
	DefaultTimeout = 1 * time.Second        // I/O timeout of a channel

	livenessRetries = 100
	livenessDelay   = 10 * time.Millisecond
)

// Pauser reports whether a pause of the data flow was requested.
type Pauser interface {
	Paused() bool
}

// Flag is a Pauser that can be set concurrently.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Paused() bool { return f.v.Load() }
func (f *Flag) Set(v bool)   { f.v.Store(v) }

// Option configures a channel or a listener.
type Option func(*config)

type config struct {
	timeout time.Duration
	backoff time.Duration
	pause   Pauser
	msg     log.MsgStream
}

func newConfig(opts []Option) config {
	cfg := config{
		timeout: DefaultTimeout,
		backoff: DialBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("sockio", log.LvlInfo, os.Stdout)
	}
	return cfg
}

// WithTimeout sets the I/O timeout after which a blocked operation polls
// the pause token.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithBackoff sets the delay between two connection attempts.
func WithBackoff(d time.Duration) Option {
	return func(cfg *config) {
		cfg.backoff = d
	}
}

// WithPauser sets the pause token polled on I/O timeouts.
func WithPauser(p Pauser) Option {
	return func(cfg *config) {
		cfg.pause = p
	}
}

// WithMsgStream sets the message stream used for diagnostics.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func setNoDelay(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcp.SetNoDelay(true)
}
