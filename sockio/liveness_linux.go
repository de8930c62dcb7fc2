// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package sockio

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CheckLiveness probes the connection without blocking and without
// consuming pending data.
// CheckLiveness returns ErrConnectionLost when the peer went away.
func (ch *Channel) CheckLiveness() error {
	conn := ch.current()
	if conn == nil {
		return fmt.Errorf("%w: channel is closed", ErrConnectionLost)
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: could not access socket of %v: %w", ErrConnectionLost, conn.RemoteAddr(), err)
	}

	err = probe(raw)
	if err != nil {
		return fmt.Errorf("%w: peer %v: %w", ErrConnectionLost, conn.RemoteAddr(), err)
	}
	return nil
}

func probe(raw syscall.RawConn) error {
	var (
		buf [1]byte
		res error
	)
	for i := 0; i < livenessRetries; i++ {
		again := false
		err := raw.Control(func(fd uintptr) {
			res = unix.Sendto(int(fd), nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, nil)
			switch {
			case errors.Is(res, unix.EAGAIN), errors.Is(res, unix.EINTR):
				again = true
				return
			case res != nil:
				return
			}

			n, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_DONTWAIT|unix.MSG_PEEK)
			switch {
			case errors.Is(err, unix.EAGAIN):
				res = nil // idle.
			case errors.Is(err, unix.EINTR):
				again = true
			case err != nil:
				res = err
			case n == 0:
				res = io.EOF
			default:
				res = nil // pending data.
			}
		})
		if err != nil {
			return err
		}
		if !again {
			return res
		}
		time.Sleep(livenessDelay)
	}

	// send buffer still full: peer is alive but slow.
	return nil
}
