// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"fmt"

	"github.com/go-lpc/desser/internal/crc16"
)

// Entry is a view on the words of one self-delimiting entry of a
// send-block body.
type Entry []byte

// NumWords returns the self-declared length of the entry, in words.
func (e Entry) NumWords() int { return int(word(e, 0)) }

// Kind returns the subsystem that produced the entry, or KindUnknown when
// the type marker is not recognized.
func (e Entry) Kind() Kind {
	v := word(e, 1)
	if v>>16 != typeMagic || v&0xff00 != 0 {
		return KindUnknown
	}
	switch k := Kind(v); k {
	case KindCOPPER, KindFTSW, KindTLU:
		return k
	}
	return KindUnknown
}

func (e Entry) Marker() uint32       { return word(e, 1) }
func (e Entry) ExpRunSubrun() uint32 { return word(e, 2) }
func (e Entry) EventNumber() uint32  { return word(e, 3) }
func (e Entry) TrgType() uint32      { return word(e, 4) }
func (e Entry) UTCTime() uint32      { return word(e, 5) }
func (e Entry) NodeID() uint32       { return word(e, 6) }
func (e Entry) Counter() uint32      { return word(e, 7) }

// Word returns the i-th word of the entry.
func (e Entry) Word(i int) uint32 { return word(e, i) }

// EntryHeader describes the fixed part of an entry.
type EntryHeader struct {
	Kind         Kind
	ExpRunSubrun uint32
	EventNumber  uint32
	TrgType      uint32
	UTCTime      uint32
	NodeID       uint32
	Counter      uint32
}

// AppendEntry appends to dst the entry made of hdr and payload.
func AppendEntry(dst []byte, hdr EntryHeader, payload ...uint32) []byte {
	n := EntryHeaderWords + len(payload)
	beg := len(dst)
	dst = append(dst, make([]byte, n*WordSize)...)
	p := dst[beg:]
	putWord(p, 0, uint32(n))
	putWord(p, 1, hdr.Kind.Marker())
	putWord(p, 2, hdr.ExpRunSubrun)
	putWord(p, 3, hdr.EventNumber)
	putWord(p, 4, hdr.TrgType)
	putWord(p, 5, hdr.UTCTime)
	putWord(p, 6, hdr.NodeID)
	putWord(p, 7, hdr.Counter)
	for i, v := range payload {
		putWord(p, EntryHeaderWords+i, v)
	}
	return dst
}

// ScanEntries walks the self-declared lengths of the entries of body and
// returns their offsets, in words.
// The entries must exactly fill the first nwords words of body.
func ScanEntries(body []byte, nwords int) ([]int, error) {
	if nwords < 0 || len(body) < nwords*WordSize {
		return nil, fmt.Errorf(
			"%w: short body buffer (got=%d bytes, want=%d)",
			ErrCorruptedData, len(body), nwords*WordSize,
		)
	}

	var offs []int
	pos := 0
	for pos < nwords {
		if nwords-pos < EntryHeaderWords {
			return offs, fmt.Errorf(
				"%w: truncated entry %d at word %d (remaining=%d words)",
				ErrCorruptedData, len(offs), pos, nwords-pos,
			)
		}
		n := int(word(body, pos))
		switch {
		case n < EntryHeaderWords:
			return offs, fmt.Errorf(
				"%w: invalid length of entry %d at word %d (got=%d words, min=%d)",
				ErrCorruptedData, len(offs), pos, n, EntryHeaderWords,
			)
		case n > nwords-pos:
			return offs, fmt.Errorf(
				"%w: entry %d at word %d overruns body (len=%d words, remaining=%d)",
				ErrCorruptedData, len(offs), pos, n, nwords-pos,
			)
		}
		offs = append(offs, pos)
		pos += n
	}

	return offs, nil
}

// Checksum returns the trailer checksum of the provided body.
func Checksum(body []byte) uint32 {
	return uint32(crc16.Checksum(body))
}
