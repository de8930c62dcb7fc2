// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawdata describes the send-blocks exchanged between the stages of
// the DAQ pipeline, and the raw data blocks reassembled from them.
//
// A send-block is made of a 6-word header, a body of self-delimiting
// entries and a 2-word trailer. Words are 32-bit unsigned integers,
// little-endian on the wire.
package rawdata // import "github.com/go-lpc/desser/rawdata"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	WordSize = 4 // size of a word in bytes

	SendHeaderWords  = 6 // number of words of a send header
	SendTrailerWords = 2 // number of words of a send trailer
	EntryHeaderWords = 8 // number of words of an entry header

	// MaxBlockWords is the largest body, in words, a single send-block
	// may declare.
	MaxBlockWords = 2500000

	TrailerMagic = 0x7fff0006 // send trailer terminator

	typeMagic = 0x7f7f
)

var (
	// ErrMalformedHeader is returned when a send header can not be decoded.
	ErrMalformedHeader = errors.New("rawdata: malformed header")

	// ErrCorruptedData is returned when a send-block or its entries are
	// not consistent with their declared sizes and contents.
	ErrCorruptedData = errors.New("rawdata: corrupted data")
)

var order = binary.LittleEndian

func word(p []byte, i int) uint32 {
	return order.Uint32(p[i*WordSize:])
}

func putWord(p []byte, i int, v uint32) {
	order.PutUint32(p[i*WordSize:], v)
}

// Kind describes the detector subsystem that produced an entry.
type Kind uint8

const (
	KindUnknown Kind = 0x00
	KindTLU     Kind = 0x07 // trigger logic unit
	KindCOPPER  Kind = 0x0c // COPPER readout board
	KindFTSW    Kind = 0x0f // frontend timing switch
)

func (k Kind) String() string {
	switch k {
	case KindTLU:
		return "TLU"
	case KindCOPPER:
		return "COPPER"
	case KindFTSW:
		return "FTSW"
	}
	return fmt.Sprintf("Kind(0x%02x)", uint8(k))
}

// Marker returns the type marker word of entries of kind k.
func (k Kind) Marker() uint32 {
	return typeMagic<<16 | uint32(k)
}

// PackExpRun packs the experiment, run and sub-run numbers into a single word.
func PackExpRun(exp, run, subrun uint32) uint32 {
	return (exp&0x3ff)<<22 | (run&0x3fff)<<8 | subrun&0xff
}

// UnpackExpRun unpacks a word created by PackExpRun.
func UnpackExpRun(v uint32) (exp, run, subrun uint32) {
	return v >> 22, (v >> 8) & 0x3fff, v & 0xff
}

// PackTrgType packs the ctime and trigger type into a single word.
func PackTrgType(ctime uint32, trg uint8) uint32 {
	return ctime<<4 | uint32(trg&0xf)
}
