// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sockio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func getTCPPort() (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return "", err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return "", err
	}
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port), nil
}

func TestDialAccept(t *testing.T) {
	port, err := getTCPPort()
	if err != nil {
		t.Fatalf("could not find a tcp port: %+v", err)
	}
	addr := "localhost:" + port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		ch  *Channel
		err error
	}
	dialed := make(chan result)
	go func() {
		ch, err := Dial(ctx, addr, WithBackoff(10*time.Millisecond), WithMsgStream(msg))
		dialed <- result{ch, err}
	}()

	// let the dialer fail a few times.
	time.Sleep(50 * time.Millisecond)

	l, err := Listen(addr, WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("could not accept: %+v", err)
	}
	defer srv.Close()

	res := <-dialed
	if res.err != nil {
		t.Fatalf("could not dial: %+v", res.err)
	}
	cli := res.ch
	defer cli.Close()

	if got, want := cli.Addr(), addr; got != want {
		t.Fatalf("invalid dial address: got=%q, want=%q", got, want)
	}

	want := bytes.Repeat([]byte("desser"), 1000)
	go func() {
		_, _ = cli.Sendv(want[:10], want[10:4000], want[4000:])
	}()

	got := make([]byte, len(want))
	err = srv.ReceiveExact(got)
	if err != nil {
		t.Fatalf("could not receive: %+v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("invalid payload")
	}

	err = srv.CheckLiveness()
	if err != nil {
		t.Fatalf("peer should be alive: %+v", err)
	}

	_ = cli.Close()
	err = srv.ReceiveExact(got[:1])
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected a lost connection, got: %+v", err)
	}
}

func TestDialCanceled(t *testing.T) {
	port, err := getTCPPort()
	if err != nil {
		t.Fatalf("could not find a tcp port: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, "localhost:"+port, WithBackoff(10*time.Millisecond), WithMsgStream(msg))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a context error, got: %+v", err)
	}
}

func TestAcceptCanceled(t *testing.T) {
	l, err := Listen("localhost:0", WithTimeout(10*time.Millisecond), WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Accept(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a context error, got: %+v", err)
	}
}

func TestReconnect(t *testing.T) {
	l, err := Listen("localhost:0", WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := Dial(ctx, l.Addr().String(), WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not dial: %+v", err)
	}
	defer ch.Close()

	srv1, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("could not accept: %+v", err)
	}
	defer srv1.Close()

	err = ch.Reconnect(ctx)
	if err != nil {
		t.Fatalf("could not reconnect: %+v", err)
	}

	srv2, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("could not accept: %+v", err)
	}
	defer srv2.Close()

	go func() { _ = ch.SendExact([]byte{1, 2, 3}) }()
	buf := make([]byte, 3)
	err = srv2.ReceiveExact(buf)
	if err != nil {
		t.Fatalf("could not receive on new connection: %+v", err)
	}

	err = srv1.Reconnect(ctx)
	if err == nil {
		t.Fatalf("accepted channels can not be re-dialed")
	}
}

func TestReceivePausedTCP(t *testing.T) {
	l, err := Listen("localhost:0", WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var flag Flag
	ch, err := Dial(ctx, l.Addr().String(), WithTimeout(10*time.Millisecond), WithMsgStream(msg))
	if err != nil {
		t.Fatalf("could not dial: %+v", err)
	}
	defer ch.Close()
	ch.SetPauser(&flag)

	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("could not accept: %+v", err)
	}
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		flag.Set(true)
	}()

	err = ch.ReceiveExact(make([]byte, 4))
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected a paused error, got: %+v", err)
	}
}
