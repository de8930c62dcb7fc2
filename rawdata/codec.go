// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"errors"
	"fmt"
	"io"
)

// SendBlock is a complete send-block, as found on the wire.
type SendBlock struct {
	Header  SendHeader
	Block   *Block
	Trailer SendTrailer
}

// Decoder reads (and validates) send-blocks from an underlying stream.
type Decoder struct {
	r   io.Reader
	hdr []byte
	trl []byte
	err error
}

// NewDecoder creates a decoder that reads send-blocks from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		hdr: make([]byte, SendHeaderWords*WordSize),
		trl: make([]byte, SendTrailerWords*WordSize),
	}
}

// Decode reads the next send-block from the stream.
// Decode returns io.EOF when the stream ends on a send-block boundary.
func (dec *Decoder) Decode(sb *SendBlock) error {
	dec.read(dec.hdr)
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("rawdata: could not read send header: %w", dec.err)
	}

	hdr, err := DecodeHeader(dec.hdr)
	if err != nil {
		return fmt.Errorf("rawdata: could not decode send header: %w", err)
	}

	n := hdr.BodyWords()
	if n > MaxBlockWords {
		return fmt.Errorf(
			"%w: send-block too large (got=%d words, max=%d)",
			ErrCorruptedData, n, MaxBlockWords,
		)
	}

	body := make([]byte, n*WordSize)
	dec.read(body)
	if dec.err != nil {
		return fmt.Errorf("rawdata: could not read send-block body (%d words): %w", n, dec.unexpected())
	}

	dec.read(dec.trl)
	if dec.err != nil {
		return fmt.Errorf("rawdata: could not read send trailer: %w", dec.unexpected())
	}

	trl, err := DecodeTrailer(dec.trl)
	if err != nil {
		return fmt.Errorf("rawdata: could not decode send trailer: %w", err)
	}
	err = trl.Verify(body)
	if err != nil {
		return fmt.Errorf("rawdata: invalid send trailer: %w", err)
	}

	blk, err := NewBlock(body, int(hdr.NumEvents), int(hdr.NumNodes))
	if err != nil {
		return fmt.Errorf("rawdata: could not create block: %w", err)
	}

	sb.Header = hdr
	sb.Block = blk
	sb.Trailer = trl
	return nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func (dec *Decoder) unexpected() error {
	if errors.Is(dec.err, io.EOF) {
		dec.err = io.ErrUnexpectedEOF
	}
	return dec.err
}

// Encoder writes send-blocks to an underlying stream.
type Encoder struct {
	w   io.Writer
	hdr []byte
	trl []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		hdr: make([]byte, SendHeaderWords*WordSize),
		trl: make([]byte, SendTrailerWords*WordSize),
	}
}

// Encode writes sb to the stream.
// The header and trailer of sb must be consistent with its block.
func (enc *Encoder) Encode(sb *SendBlock) error {
	if enc.err != nil {
		return enc.err
	}

	if got, want := sb.Header.BodyWords(), sb.Block.NumWords(); got != want {
		return fmt.Errorf(
			"%w: header/block size mismatch (header=%d words, block=%d words)",
			ErrCorruptedData, got, want,
		)
	}

	PutHeader(enc.hdr, sb.Header)
	PutTrailer(enc.trl, sb.Trailer)

	enc.write(enc.hdr)
	enc.write(sb.Block.Bytes())
	enc.write(enc.trl)
	if enc.err != nil {
		return fmt.Errorf("rawdata: could not write send-block: %w", enc.err)
	}
	return nil
}

// WriteRaw writes the already encoded send-block made of the provided
// header, body and trailer segments.
func (enc *Encoder) WriteRaw(segs ...[]byte) error {
	for _, p := range segs {
		enc.write(p)
	}
	if enc.err != nil {
		return fmt.Errorf("rawdata: could not write send-block: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}
