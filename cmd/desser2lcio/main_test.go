// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"compress/flate"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-lpc/desser/rawdata"
	"go-hep.org/x/hep/lcio"
)

func TestDesser2LCIO(t *testing.T) {
	tmp := t.TempDir()

	fname := filepath.Join(tmp, "run-42.raw")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create send-block file: %+v", err)
	}
	defer f.Close()

	exprun := rawdata.PackExpRun(1, 42, 0)
	enc := rawdata.NewEncoder(f)
	for evt := uint32(1); evt <= 3; evt++ {
		body := rawdata.AppendEntry(nil, rawdata.EntryHeader{
			Kind:         rawdata.KindCOPPER,
			ExpRunSubrun: exprun,
			EventNumber:  evt,
			NodeID:       0x100,
			Counter:      evt,
		}, 0xcafe, evt)
		blk, err := rawdata.NewBlock(body, 1, 1)
		if err != nil {
			t.Fatalf("could not create block: %+v", err)
		}
		hdr, err := rawdata.EncodeHeader(blk, evt, 0x100, exprun)
		if err != nil {
			t.Fatalf("could not create header: %+v", err)
		}
		err = enc.Encode(&rawdata.SendBlock{
			Header:  hdr,
			Block:   blk,
			Trailer: rawdata.EncodeTrailer(body, false),
		})
		if err != nil {
			t.Fatalf("could not encode send-block: %+v", err)
		}
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("could not close send-block file: %+v", err)
	}

	oname := filepath.Join(tmp, "run-42.lcio")
	err = process(oname, flate.DefaultCompression, 1, fname)
	if err != nil {
		t.Fatalf("could not convert send-block file: %+v", err)
	}

	r, err := lcio.Open(oname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	n := 0
	for r.Next() {
		evt := r.Event()
		if got, want := evt.RunNumber, int32(42); got != want {
			t.Fatalf("invalid run number: got=%d, want=%d", got, want)
		}
		n++
		if got, want := evt.EventNumber, int32(n); got != want {
			t.Fatalf("invalid event number: got=%d, want=%d", got, want)
		}
	}
	if got, want := n, 3; got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}
}
