// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"fmt"
)

// Releaser releases the storage backing a block.
type Releaser interface {
	Release()
}

// Block is a raw data block: the concatenated bodies of the send-blocks
// received from all upstream channels for one or more events.
// Entries are laid out event-major.
type Block struct {
	buf   []byte
	nevts int
	nodes int
	offs  []int // word offsets of entries

	// Sources holds the number of nodes contributed by each upstream
	// channel, in channel order.
	Sources []int

	rel Releaser
}

// NewBlock creates a block from an event-major body holding nevts events
// of nnodes entries each.
func NewBlock(body []byte, nevts, nnodes int) (*Block, error) {
	if len(body)%WordSize != 0 {
		return nil, fmt.Errorf(
			"%w: body is not a whole number of words (len=%d bytes)",
			ErrCorruptedData, len(body),
		)
	}
	blk := &Block{
		buf:     body,
		nevts:   nevts,
		nodes:   nnodes,
		Sources: []int{nnodes},
	}
	err := blk.Validate()
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// Validate checks the block holds exactly NumEvents*NumNodes entries whose
// lengths sum up to the block length.
func (blk *Block) Validate() error {
	offs, err := ScanEntries(blk.buf, blk.NumWords())
	if err != nil {
		return err
	}
	if got, want := len(offs), blk.nevts*blk.nodes; got != want {
		return fmt.Errorf(
			"%w: invalid number of entries (got=%d, want=%d events x %d nodes)",
			ErrCorruptedData, got, blk.nevts, blk.nodes,
		)
	}
	blk.offs = offs
	return nil
}

func (blk *Block) Bytes() []byte   { return blk.buf }
func (blk *Block) NumWords() int   { return len(blk.buf) / WordSize }
func (blk *Block) NumEvents() int  { return blk.nevts }
func (blk *Block) NumNodes() int   { return blk.nodes }
func (blk *Block) NumEntries() int { return len(blk.offs) }

// Entry returns the i-th entry of the block.
func (blk *Block) Entry(i int) Entry {
	beg := blk.offs[i]
	end := beg + int(word(blk.buf, beg))
	return Entry(blk.buf[beg*WordSize : end*WordSize])
}

// EntryAt returns the entry of the provided node for the provided event.
func (blk *Block) EntryAt(evt, node int) Entry {
	return blk.Entry(evt*blk.nodes + node)
}

// SetReleaser attaches the owner of the block storage.
func (blk *Block) SetReleaser(r Releaser) { blk.rel = r }

// Release hands the block storage back to its owner, if any.
// Release is idempotent.
func (blk *Block) Release() {
	if blk.rel == nil {
		return
	}
	rel := blk.rel
	blk.rel = nil
	blk.buf = nil
	blk.offs = nil
	rel.Release()
}
