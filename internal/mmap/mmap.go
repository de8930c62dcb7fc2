// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides shared, memory-mapped files holding 32-bit and
// 64-bit words accessed atomically by concurrent processes.
package mmap // import "github.com/go-lpc/desser/internal/mmap"

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a shared mapping of a file.
type Handle struct {
	data []byte
}

// Open maps the first size bytes of the file fname, creating it and
// growing it as needed.
func Open(fname string, size int) (*Handle, error) {
	if size <= 0 || size%8 != 0 {
		return nil, fmt.Errorf("mmap: invalid mapping size %d", size)
	}

	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: could not stat %q: %w", fname, err)
	}
	if fi.Size() < int64(size) {
		err = f.Truncate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("mmap: could not resize %q to %d bytes: %w", fname, size, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q: %w", fname, err)
	}

	return handleFrom(data), nil
}

func handleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close unmaps the file.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the mapping.
func (h *Handle) Len() int {
	return len(h.data)
}

// Sync flushes the mapping to the underlying file.
func (h *Handle) Sync() error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	return unix.Msync(h.data, unix.MS_SYNC)
}

func (h *Handle) ptr(off, size int) unsafe.Pointer {
	if h.data == nil {
		panic(errClosed)
	}
	if off < 0 || off%size != 0 || off+size > len(h.data) {
		panic(fmt.Errorf("mmap: invalid %d-byte word offset %d (len=%d)", size, off, len(h.data)))
	}
	return unsafe.Pointer(&h.data[off])
}

// Load32 atomically loads the 32-bit word at byte offset off.
func (h *Handle) Load32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(h.ptr(off, 4)))
}

// Store32 atomically stores v into the 32-bit word at byte offset off.
func (h *Handle) Store32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(h.ptr(off, 4)), v)
}

// Load64 atomically loads the 64-bit word at byte offset off.
func (h *Handle) Load64(off int) uint64 {
	return atomic.LoadUint64((*uint64)(h.ptr(off, 8)))
}

// Store64 atomically stores v into the 64-bit word at byte offset off.
func (h *Handle) Store64(off int, v uint64) {
	atomic.StoreUint64((*uint64)(h.ptr(off, 8)), v)
}
