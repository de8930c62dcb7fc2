// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package sockio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckLiveness(t *testing.T) {
	l, err := Listen("localhost:0", WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Dial(ctx, l.Addr().String(), WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not dial: %+v", err)
	}
	defer cli.Close()

	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("could not accept: %+v", err)
	}
	defer srv.Close()

	err = cli.CheckLiveness()
	if err != nil {
		t.Fatalf("idle peer should be alive: %+v", err)
	}

	err = srv.SendExact([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("could not send: %+v", err)
	}
	time.Sleep(20 * time.Millisecond)

	err = cli.CheckLiveness()
	if err != nil {
		t.Fatalf("peer with pending data should be alive: %+v", err)
	}

	// pending data must not be consumed by the probe.
	buf := make([]byte, 4)
	err = cli.ReceiveExact(buf)
	if err != nil {
		t.Fatalf("could not receive pending data: %+v", err)
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("invalid pending data: %v", buf)
	}

	_ = srv.Close()
	time.Sleep(20 * time.Millisecond)

	err = cli.CheckLiveness()
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected a lost connection, got: %+v", err)
	}

	_ = cli.Close()
	err = cli.CheckLiveness()
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected a lost connection on closed channel, got: %+v", err)
	}
}
