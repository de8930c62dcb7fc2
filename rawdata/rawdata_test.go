// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

func mkBody(nevts, nnodes int, evt uint32, payload int) []byte {
	var body []byte
	for i := 0; i < nevts; i++ {
		for j := 0; j < nnodes; j++ {
			words := make([]uint32, payload)
			for k := range words {
				words[k] = uint32(0xa0000000 | i<<8 | j<<4 | k)
			}
			body = AppendEntry(body, EntryHeader{
				Kind:         KindCOPPER,
				ExpRunSubrun: PackExpRun(1, 42, 0),
				EventNumber:  evt + uint32(i),
				TrgType:      PackTrgType(0x123, 1),
				UTCTime:      1600000000,
				NodeID:       uint32(0x01000000 + j),
				Counter:      evt + uint32(i),
			}, words...)
		}
	}
	return body
}

func TestHeader(t *testing.T) {
	want := SendHeader{
		NWords:       6 + 24 + 2,
		NumEvents:    1,
		NumNodes:     3,
		ExpRunSubrun: PackExpRun(3, 12, 1),
		EventNumber:  1001,
		NodeID:       0x42,
	}

	raw, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("could not marshal header: %+v", err)
	}
	if got, want := len(raw), SendHeaderWords*WordSize; got != want {
		t.Fatalf("invalid header size: got=%d, want=%d", got, want)
	}
	if got, want := raw[:4], []byte{32, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Fatalf("invalid byte order: got=%v, want=%v", got, want)
	}

	var got SendHeader
	err = got.UnmarshalBinary(raw)
	if err != nil {
		t.Fatalf("could not unmarshal header: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid round-trip:\ngot= %+v\nwant=%+v", got, want)
	}
	if got, want := got.BodyWords(), 24; got != want {
		t.Fatalf("invalid body size: got=%d, want=%d", got, want)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	valid := func() []byte {
		raw, _ := SendHeader{NWords: 8}.MarshalBinary()
		return raw
	}

	for _, tc := range []struct {
		name string
		raw  []byte
		want string
	}{
		{
			name: "short",
			raw:  make([]byte, 23),
			want: "rawdata: malformed header: short buffer (got=23 bytes, want=24)",
		},
		{
			name: "header-words",
			raw: func() []byte {
				p := valid()
				putWord(p, 1, 7)
				return p
			}(),
			want: "rawdata: malformed header: invalid header size (got=7 words, want=6)",
		},
		{
			name: "block-words",
			raw: func() []byte {
				p := valid()
				putWord(p, 0, 7)
				return p
			}(),
			want: "rawdata: malformed header: invalid send-block size (got=7 words, min=8)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHeader(tc.raw)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !errors.Is(err, ErrMalformedHeader) {
				t.Fatalf("invalid error class: %+v", err)
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
			}
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	body := mkBody(2, 3, 10, 2)
	blk, err := NewBlock(body, 2, 3)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}

	hdr, err := EncodeHeader(blk, 10, 0x42, PackExpRun(1, 42, 0))
	if err != nil {
		t.Fatalf("could not encode header: %+v", err)
	}
	if got, want := int(hdr.NWords), SendHeaderWords+len(body)/WordSize+SendTrailerWords; got != want {
		t.Fatalf("invalid nwords: got=%d, want=%d", got, want)
	}
	if hdr.NumEvents != 2 || hdr.NumNodes != 3 {
		t.Fatalf("invalid events/nodes: %+v", hdr)
	}
}

func TestEncodeHeaderOverflow(t *testing.T) {
	body := mkBody(1, 2, 10, 1)
	for _, blk := range []*Block{
		{buf: body, nevts: math.MaxUint16 + 1, nodes: 1},
		{buf: body, nevts: 1, nodes: math.MaxUint16 + 1},
	} {
		_, err := EncodeHeader(blk, 10, 1, 0)
		if !errors.Is(err, ErrCorruptedData) {
			t.Fatalf("expected a corrupted-data error (events=%d, nodes=%d), got: %+v",
				blk.nevts, blk.nodes, err)
		}
	}
}

func TestEncodeHeaderSingleEntry(t *testing.T) {
	body := mkBody(1, 1, 10, 4)
	blk, err := NewBlock(body, 1, 1)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}
	_, err = EncodeHeader(blk, 10, 1, 0)
	if err != nil {
		t.Fatalf("could not encode header: %+v", err)
	}

	// forge a single-entry block whose entry disagrees with the block size.
	bad := &Block{buf: append(body[:len(body):len(body)], 0, 0, 0, 0), nevts: 1, nodes: 1, offs: []int{0}}
	_, err = EncodeHeader(bad, 10, 1, 0)
	if !errors.Is(err, ErrCorruptedData) {
		t.Fatalf("expected a corrupted-data error, got: %+v", err)
	}
}

func TestTrailer(t *testing.T) {
	body := mkBody(1, 2, 1, 3)
	for _, checksum := range []bool{false, true} {
		t.Run(fmt.Sprintf("checksum=%v", checksum), func(t *testing.T) {
			trl := EncodeTrailer(body, checksum)
			raw := make([]byte, SendTrailerWords*WordSize)
			PutTrailer(raw, trl)

			got, err := DecodeTrailer(raw)
			if err != nil {
				t.Fatalf("could not decode trailer: %+v", err)
			}
			if got != trl {
				t.Fatalf("invalid round-trip: got=%+v, want=%+v", got, trl)
			}
			if checksum && got.Checksum == 0 {
				t.Fatalf("expected a checksum")
			}
			err = got.Verify(body)
			if err != nil {
				t.Fatalf("could not verify trailer: %+v", err)
			}

			if !checksum {
				return
			}
			body := append([]byte(nil), body...)
			body[len(body)-1] ^= 0xff
			err = got.Verify(body)
			if !errors.Is(err, ErrCorruptedData) {
				t.Fatalf("expected a checksum error, got: %+v", err)
			}
		})
	}

	_, err := DecodeTrailer(make([]byte, 7))
	if !errors.Is(err, ErrCorruptedData) {
		t.Fatalf("expected a corrupted-data error, got: %+v", err)
	}

	err = SendTrailer{Magic: 0x7fff0007}.Verify(nil)
	if got, want := fmt.Sprint(err), "rawdata: corrupted data: invalid trailer magic (got=0x7fff0007, want=0x7fff0006)"; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}
}

func TestScanEntries(t *testing.T) {
	lengths := func(ns ...int) []byte {
		var body []byte
		for _, n := range ns {
			body = AppendEntry(body, EntryHeader{Kind: KindCOPPER}, make([]uint32, n-EntryHeaderWords)...)
		}
		return body
	}

	for _, tc := range []struct {
		name   string
		body   []byte
		nwords int
		offs   []int
		err    string
	}{
		{
			name:   "empty",
			nwords: 0,
		},
		{
			name:   "single",
			body:   lengths(8),
			nwords: 8,
			offs:   []int{0},
		},
		{
			name:   "three",
			body:   lengths(8, 10, 9),
			nwords: 27,
			offs:   []int{0, 8, 18},
		},
		{
			name: "understated",
			body: func() []byte {
				p := lengths(8, 8)
				putWord(p, 0, 7)
				return p
			}(),
			nwords: 16,
			err:    "rawdata: corrupted data: invalid length of entry 0 at word 0 (got=7 words, min=8)",
		},
		{
			name: "overstated",
			body: func() []byte {
				p := lengths(8, 8)
				putWord(p, 8, 9)
				return p
			}(),
			nwords: 16,
			err:    "rawdata: corrupted data: entry 1 at word 8 overruns body (len=9 words, remaining=8)",
		},
		{
			name:   "truncated",
			body:   append(lengths(8), make([]byte, 4*WordSize)...),
			nwords: 12,
			err:    "rawdata: corrupted data: truncated entry 1 at word 8 (remaining=4 words)",
		},
		{
			name:   "short-buffer",
			body:   lengths(8),
			nwords: 9,
			err:    "rawdata: corrupted data: short body buffer (got=32 bytes, want=36)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			offs, err := ScanEntries(tc.body, tc.nwords)
			switch {
			case tc.err != "":
				if err == nil {
					t.Fatalf("expected an error")
				}
				if got, want := err.Error(), tc.err; got != want {
					t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
				}
				if !errors.Is(err, ErrCorruptedData) {
					t.Fatalf("invalid error class: %+v", err)
				}
			default:
				if err != nil {
					t.Fatalf("could not scan entries: %+v", err)
				}
				if got, want := fmt.Sprint(offs), fmt.Sprint(tc.offs); got != want {
					t.Fatalf("invalid offsets: got=%s, want=%s", got, want)
				}
				sum := 0
				for i := range offs {
					sum += int(word(tc.body, offs[i]))
				}
				if sum != tc.nwords {
					t.Fatalf("invalid entries sum: got=%d, want=%d", sum, tc.nwords)
				}
			}
		})
	}
}

func TestBlock(t *testing.T) {
	body := mkBody(2, 3, 100, 1)
	blk, err := NewBlock(body, 2, 3)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}

	if got, want := blk.NumEntries(), 6; got != want {
		t.Fatalf("invalid number of entries: got=%d, want=%d", got, want)
	}
	if got, want := blk.NumWords(), 6*9; got != want {
		t.Fatalf("invalid number of words: got=%d, want=%d", got, want)
	}

	for evt := 0; evt < 2; evt++ {
		for node := 0; node < 3; node++ {
			e := blk.EntryAt(evt, node)
			if got, want := e.EventNumber(), uint32(100+evt); got != want {
				t.Fatalf("invalid event number (%d,%d): got=%d, want=%d", evt, node, got, want)
			}
			if got, want := e.NodeID(), uint32(0x01000000+node); got != want {
				t.Fatalf("invalid node id (%d,%d): got=0x%x, want=0x%x", evt, node, got, want)
			}
			if got, want := e.Kind(), KindCOPPER; got != want {
				t.Fatalf("invalid kind: got=%v, want=%v", got, want)
			}
			if got, want := e.Word(EntryHeaderWords), uint32(0xa0000000|evt<<8|node<<4); got != want {
				t.Fatalf("invalid payload: got=0x%x, want=0x%x", got, want)
			}
		}
	}

	_, err = NewBlock(body, 2, 2)
	if got, want := fmt.Sprint(err), "rawdata: corrupted data: invalid number of entries (got=6, want=2 events x 2 nodes)"; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}

	_, err = NewBlock(body[:len(body)-1], 2, 3)
	if !errors.Is(err, ErrCorruptedData) {
		t.Fatalf("expected a corrupted-data error, got: %+v", err)
	}
}

type releaser struct{ n int }

func (r *releaser) Release() { r.n++ }

func TestBlockRelease(t *testing.T) {
	blk, err := NewBlock(mkBody(1, 1, 1, 0), 1, 1)
	if err != nil {
		t.Fatalf("could not create block: %+v", err)
	}
	rel := new(releaser)
	blk.SetReleaser(rel)
	blk.Release()
	blk.Release()
	if got, want := rel.n, 1; got != want {
		t.Fatalf("invalid number of releases: got=%d, want=%d", got, want)
	}
}

func TestKind(t *testing.T) {
	for _, tc := range []struct {
		marker uint32
		want   Kind
	}{
		{0x7f7f000c, KindCOPPER},
		{0x7f7f000f, KindFTSW},
		{0x7f7f0007, KindTLU},
		{0x7f7f010c, KindUnknown},
		{0x7f7e000c, KindUnknown},
		{0x7f7f0001, KindUnknown},
	} {
		t.Run(fmt.Sprintf("0x%08x", tc.marker), func(t *testing.T) {
			e := Entry(AppendEntry(nil, EntryHeader{}))
			putWord(e, 1, tc.marker)
			if got, want := e.Kind(), tc.want; got != want {
				t.Fatalf("invalid kind: got=%v, want=%v", got, want)
			}
		})
	}
}

func TestExpRun(t *testing.T) {
	v := PackExpRun(12, 3456, 7)
	exp, run, sub := UnpackExpRun(v)
	if exp != 12 || run != 3456 || sub != 7 {
		t.Fatalf("invalid exp/run/subrun: got=(%d,%d,%d)", exp, run, sub)
	}
	if PackExpRun(1, 0, 0) <= PackExpRun(0, 0x3fff, 0xff) {
		t.Fatalf("experiment number must dominate ordering")
	}
}

func TestDump(t *testing.T) {
	p := make([]byte, 10*WordSize+2)
	for i := 0; i < 10; i++ {
		putWord(p, i, uint32(i)<<24|uint32(i))
	}
	o := new(strings.Builder)
	Dump(o, p)

	want := `00000000: 00000000 01000001 02000002 03000003 04000004 05000005 06000006 07000007
00000008: 08000008 09000009
`
	if got := o.String(); got != want {
		t.Fatalf("invalid dump:\ngot:\n%s\nwant:\n%s", got, want)
	}
}
