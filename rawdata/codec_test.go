// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCodec(t *testing.T) {
	var sbs []SendBlock
	for i, tc := range []struct {
		nevts, nnodes int
		checksum      bool
	}{
		{1, 1, false},
		{1, 3, true},
		{4, 2, true},
		{0, 0, false},
	} {
		body := mkBody(tc.nevts, tc.nnodes, uint32(10*i), i)
		blk, err := NewBlock(body, tc.nevts, tc.nnodes)
		if err != nil {
			t.Fatalf("could not create block %d: %+v", i, err)
		}
		hdr, err := EncodeHeader(blk, uint32(10*i), 0x42, PackExpRun(1, 2, 3))
		if err != nil {
			t.Fatalf("could not create header %d: %+v", i, err)
		}
		sbs = append(sbs, SendBlock{
			Header:  hdr,
			Block:   blk,
			Trailer: EncodeTrailer(body, tc.checksum),
		})
	}

	buf := new(bytes.Buffer)
	enc := NewEncoder(buf)
	for i := range sbs {
		err := enc.Encode(&sbs[i])
		if err != nil {
			t.Fatalf("could not encode send-block %d: %+v", i, err)
		}
	}

	dec := NewDecoder(buf)
	for i, want := range sbs {
		var got SendBlock
		err := dec.Decode(&got)
		if err != nil {
			t.Fatalf("could not decode send-block %d: %+v", i, err)
		}
		if got.Header != want.Header {
			t.Fatalf("invalid header %d:\ngot= %+v\nwant=%+v", i, got.Header, want.Header)
		}
		if got.Trailer != want.Trailer {
			t.Fatalf("invalid trailer %d:\ngot= %+v\nwant=%+v", i, got.Trailer, want.Trailer)
		}
		if !bytes.Equal(got.Block.Bytes(), want.Block.Bytes()) {
			t.Fatalf("invalid body %d", i)
		}
	}

	var sb SendBlock
	err := dec.Decode(&sb)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got: %+v", err)
	}
}

func TestDecoderErrors(t *testing.T) {
	body := mkBody(1, 2, 1, 1)
	blk, err := NewBlock(body, 1, 2)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}
	hdr, err := EncodeHeader(blk, 1, 1, 0)
	if err != nil {
		t.Fatalf("could not create header: %+v", err)
	}

	raw := new(bytes.Buffer)
	err = NewEncoder(raw).Encode(&SendBlock{
		Header:  hdr,
		Block:   blk,
		Trailer: EncodeTrailer(body, true),
	})
	if err != nil {
		t.Fatalf("could not encode send-block: %+v", err)
	}

	for _, tc := range []struct {
		name string
		raw  func() []byte
		want error
	}{
		{
			name: "short-header",
			raw:  func() []byte { return raw.Bytes()[:10] },
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "short-body",
			raw:  func() []byte { return raw.Bytes()[:SendHeaderWords*WordSize+4] },
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "no-trailer",
			raw:  func() []byte { return raw.Bytes()[:raw.Len()-SendTrailerWords*WordSize] },
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "bad-magic",
			raw: func() []byte {
				p := append([]byte(nil), raw.Bytes()...)
				p[len(p)-1] = 0
				return p
			},
			want: ErrCorruptedData,
		},
		{
			name: "oversized",
			raw: func() []byte {
				p := append([]byte(nil), raw.Bytes()...)
				putWord(p, 0, MaxBlockWords+SendHeaderWords+SendTrailerWords+1)
				return p
			},
			want: ErrCorruptedData,
		},
		{
			name: "bad-header",
			raw: func() []byte {
				p := append([]byte(nil), raw.Bytes()...)
				putWord(p, 1, 5)
				return p
			},
			want: ErrMalformedHeader,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var sb SendBlock
			err := NewDecoder(bytes.NewReader(tc.raw())).Decode(&sb)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
		})
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, io.ErrShortWrite
	}
	w.n--
	return len(p), nil
}

func TestEncoderErrors(t *testing.T) {
	body := mkBody(1, 1, 1, 0)
	blk, err := NewBlock(body, 1, 1)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}
	hdr, err := EncodeHeader(blk, 1, 1, 0)
	if err != nil {
		t.Fatalf("could not create header: %+v", err)
	}

	sb := SendBlock{Header: hdr, Block: blk, Trailer: EncodeTrailer(body, false)}
	for i := 0; i < 3; i++ {
		err := NewEncoder(&failingWriter{n: i}).Encode(&sb)
		if !errors.Is(err, io.ErrShortWrite) {
			t.Fatalf("invalid error for n=%d: %+v", i, err)
		}
	}

	bad := sb
	bad.Header.NWords++
	err = NewEncoder(io.Discard).Encode(&bad)
	if !errors.Is(err, ErrCorruptedData) {
		t.Fatalf("expected a corrupted-data error, got: %+v", err)
	}
}
