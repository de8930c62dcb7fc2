// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"fmt"
	"math"
)

// SendHeader is the fixed-size header leading every send-block.
type SendHeader struct {
	NWords       uint32 // total number of words: header, body and trailer
	NumEvents    uint16 // number of events in the send-block
	NumNodes     uint16 // number of nodes per event
	ExpRunSubrun uint32 // packed experiment, run and sub-run numbers
	EventNumber  uint32 // event number of the first event
	NodeID       uint32 // ID of the sending node
}

// BodyWords returns the number of words of the send-block body.
func (hdr SendHeader) BodyWords() int {
	return int(hdr.NWords) - SendHeaderWords - SendTrailerWords
}

// DecodeHeader decodes a send header from the first SendHeaderWords words of p.
func DecodeHeader(p []byte) (SendHeader, error) {
	var hdr SendHeader
	if len(p) < SendHeaderWords*WordSize {
		return hdr, fmt.Errorf(
			"%w: short buffer (got=%d bytes, want=%d)",
			ErrMalformedHeader, len(p), SendHeaderWords*WordSize,
		)
	}

	if n := word(p, 1); n != SendHeaderWords {
		return hdr, fmt.Errorf(
			"%w: invalid header size (got=%d words, want=%d)",
			ErrMalformedHeader, n, SendHeaderWords,
		)
	}

	hdr.NWords = word(p, 0)
	if hdr.NWords < SendHeaderWords+SendTrailerWords {
		return hdr, fmt.Errorf(
			"%w: invalid send-block size (got=%d words, min=%d)",
			ErrMalformedHeader, hdr.NWords, SendHeaderWords+SendTrailerWords,
		)
	}

	v := word(p, 2)
	hdr.NumEvents = uint16(v >> 16)
	hdr.NumNodes = uint16(v)
	hdr.ExpRunSubrun = word(p, 3)
	hdr.EventNumber = word(p, 4)
	hdr.NodeID = word(p, 5)

	return hdr, nil
}

// PutHeader encodes hdr into p.
// PutHeader panics if p is shorter than SendHeaderWords words.
func PutHeader(p []byte, hdr SendHeader) {
	_ = p[SendHeaderWords*WordSize-1]
	putWord(p, 0, hdr.NWords)
	putWord(p, 1, SendHeaderWords)
	putWord(p, 2, uint32(hdr.NumEvents)<<16|uint32(hdr.NumNodes))
	putWord(p, 3, hdr.ExpRunSubrun)
	putWord(p, 4, hdr.EventNumber)
	putWord(p, 5, hdr.NodeID)
}

func (hdr SendHeader) MarshalBinary() ([]byte, error) {
	p := make([]byte, SendHeaderWords*WordSize)
	PutHeader(p, hdr)
	return p, nil
}

func (hdr *SendHeader) UnmarshalBinary(p []byte) error {
	v, err := DecodeHeader(p)
	if err != nil {
		return err
	}
	*hdr = v
	return nil
}

// EncodeHeader creates the send header describing blk.
// When blk holds a single entry, the self-declared length of that entry
// must match the number of words of the block.
func EncodeHeader(blk *Block, evt, node, exprun uint32) (SendHeader, error) {
	switch {
	case blk.NumEvents() > math.MaxUint16:
		return SendHeader{}, fmt.Errorf(
			"%w: too many events for a send header (%d)",
			ErrCorruptedData, blk.NumEvents(),
		)
	case blk.NumNodes() > math.MaxUint16:
		return SendHeader{}, fmt.Errorf(
			"%w: too many nodes for a send header (%d)",
			ErrCorruptedData, blk.NumNodes(),
		)
	}

	hdr := SendHeader{
		NWords:       uint32(SendHeaderWords + blk.NumWords() + SendTrailerWords),
		NumEvents:    uint16(blk.NumEvents()),
		NumNodes:     uint16(blk.NumNodes()),
		ExpRunSubrun: exprun,
		EventNumber:  evt,
		NodeID:       node,
	}

	if blk.NumEntries() == 1 {
		if got, want := blk.Entry(0).NumWords(), blk.NumWords(); got != want {
			return hdr, fmt.Errorf(
				"%w: entry length does not match block length (entry=%d words, block=%d words)",
				ErrCorruptedData, got, want,
			)
		}
	}

	return hdr, nil
}

// SendTrailer is the fixed-size trailer closing every send-block.
type SendTrailer struct {
	Checksum uint32 // CRC-16 of the body, or 0 when not computed
	Magic    uint32
}

// DecodeTrailer decodes a send trailer from the first SendTrailerWords words of p.
func DecodeTrailer(p []byte) (SendTrailer, error) {
	var trl SendTrailer
	if len(p) < SendTrailerWords*WordSize {
		return trl, fmt.Errorf(
			"%w: short trailer buffer (got=%d bytes, want=%d)",
			ErrCorruptedData, len(p), SendTrailerWords*WordSize,
		)
	}
	trl.Checksum = word(p, 0)
	trl.Magic = word(p, 1)
	return trl, nil
}

// EncodeTrailer returns the trailer closing a send-block with the provided body.
// The checksum word is only filled when checksum is true.
func EncodeTrailer(body []byte, checksum bool) SendTrailer {
	trl := SendTrailer{Magic: TrailerMagic}
	if checksum {
		trl.Checksum = Checksum(body)
	}
	return trl
}

// PutTrailer encodes trl into p.
// PutTrailer panics if p is shorter than SendTrailerWords words.
func PutTrailer(p []byte, trl SendTrailer) {
	_ = p[SendTrailerWords*WordSize-1]
	putWord(p, 0, trl.Checksum)
	putWord(p, 1, trl.Magic)
}

// Verify checks the trailer terminator and, when set, its checksum
// against the provided body.
func (trl SendTrailer) Verify(body []byte) error {
	if trl.Magic != TrailerMagic {
		return fmt.Errorf(
			"%w: invalid trailer magic (got=0x%08x, want=0x%08x)",
			ErrCorruptedData, trl.Magic, uint32(TrailerMagic),
		)
	}
	if trl.Checksum == 0 {
		return nil
	}
	if sum := Checksum(body); sum != trl.Checksum {
		return fmt.Errorf(
			"%w: inconsistent checksum (recv=0x%04x, comp=0x%04x)",
			ErrCorruptedData, trl.Checksum, sum,
		)
	}
	return nil
}
