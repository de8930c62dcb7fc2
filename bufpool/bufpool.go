// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bufpool provides a fixed set of pre-allocated receive buffers,
// reclaimed in bulk at the start of each event-loop iteration.
//
// Requests larger than a slot are served from the heap and must be
// released individually.
package bufpool // import "github.com/go-lpc/desser/bufpool"

import (
	"errors"
	"fmt"

	"github.com/pbnjay/memory"
)

const wordSize = 4

// ErrExhausted is returned when all the slots of a pool are in use.
var ErrExhausted = errors.New("bufpool: buffer pool exhausted")

// Ownership describes who is responsible for freeing a buffer.
type Ownership uint8

const (
	Pooled Ownership = iota // buffer is a pool slot, reclaimed by Pool.Reset
	Owned                   // buffer was allocated for the caller, freed by Buffer.Release
)

func (o Ownership) String() string {
	switch o {
	case Pooled:
		return "pooled"
	case Owned:
		return "owned"
	}
	return fmt.Sprintf("Ownership(%d)", uint8(o))
}

// Allocator allocates the buffers that do not fit into a pool slot.
type Allocator interface {
	Alloc(size int) []byte
	Free(p []byte)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(size int) []byte { return make([]byte, size) }
func (heapAllocator) Free(p []byte)         {}

// Option configures a pool.
type Option func(*Pool)

// WithAllocator sets the allocator used for oversized requests.
func WithAllocator(a Allocator) Option {
	return func(p *Pool) {
		p.alloc = a
	}
}

// Pool is a set of fixed-size buffers.
// Pool is not safe for concurrent use.
type Pool struct {
	words int    // slot size, in words
	arena []byte // backing storage of all slots
	used  []bool // slot usage
	nused int    // number of slots in use
	gen   uint64 // incremented by Reset
	alloc Allocator
}

// New creates a pool of n slots of the provided size, in words.
func New(n, words int, opts ...Option) (*Pool, error) {
	if n <= 0 || words <= 0 {
		return nil, fmt.Errorf(
			"bufpool: invalid pool geometry (slots=%d, words=%d)",
			n, words,
		)
	}

	size := uint64(n) * uint64(words) * wordSize
	if total := memory.TotalMemory(); total > 0 && size > total {
		return nil, fmt.Errorf(
			"bufpool: pool size exceeds total memory (pool=%d bytes, mem=%d bytes)",
			size, total,
		)
	}

	p := &Pool{
		words: words,
		arena: make([]byte, size),
		used:  make([]bool, n),
		alloc: heapAllocator{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SlotWords returns the size of a slot, in words.
func (p *Pool) SlotWords() int { return p.words }

// Slots returns the number of slots of the pool.
func (p *Pool) Slots() int { return len(p.used) }

// InUse returns the number of slots currently in use.
func (p *Pool) InUse() int { return p.nused }

// Acquire returns a buffer of nwords words.
//
// Requests that fit into a slot are served from the pool, or fail with
// ErrExhausted when no slot is free. Larger requests are served by the
// pool allocator and the returned buffer is Owned by the caller.
func (p *Pool) Acquire(nwords int) (*Buffer, error) {
	if nwords < 0 {
		return nil, fmt.Errorf("bufpool: invalid buffer size (words=%d)", nwords)
	}

	if nwords > p.words {
		return &Buffer{
			pool: p,
			p:    p.alloc.Alloc(nwords * wordSize),
			own:  Owned,
		}, nil
	}

	for i, used := range p.used {
		if used {
			continue
		}
		p.used[i] = true
		p.nused++
		beg := i * p.words * wordSize
		return &Buffer{
			pool: p,
			p:    p.arena[beg : beg+nwords*wordSize : beg+p.words*wordSize],
			own:  Pooled,
			slot: i,
			gen:  p.gen,
		}, nil
	}

	return nil, fmt.Errorf(
		"%w (slots=%d, request=%d words)",
		ErrExhausted, len(p.used), nwords,
	)
}

// Reset reclaims all the pooled slots.
// Pooled buffers handed out before Reset must not be used afterwards.
func (p *Pool) Reset() {
	for i := range p.used {
		p.used[i] = false
	}
	p.nused = 0
	p.gen++
}

// Buffer is a byte buffer handed out by a pool.
type Buffer struct {
	pool *Pool
	p    []byte
	own  Ownership
	slot int
	gen  uint64
	done bool
}

// Bytes returns the content of the buffer.
func (b *Buffer) Bytes() []byte { return b.p }

// Ownership returns whether the buffer is a pool slot or owned by the caller.
func (b *Buffer) Ownership() Ownership { return b.own }

// Release returns the buffer to its pool, or frees it when it is Owned.
// Release is idempotent.
func (b *Buffer) Release() {
	if b == nil || b.done {
		return
	}
	b.done = true
	switch b.own {
	case Owned:
		b.pool.alloc.Free(b.p)
	case Pooled:
		// slot already reclaimed by a Reset.
		if b.gen != b.pool.gen {
			break
		}
		b.pool.used[b.slot] = false
		b.pool.nused--
	}
	b.p = nil
}
