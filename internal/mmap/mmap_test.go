// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap // import "github.com/go-lpc/desser/internal/mmap"

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		err := h.Sync()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid sync error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		err := h.Sync()
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid sync error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestOpen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "status.shm")

	w, err := Open(fname, 32)
	if err != nil {
		t.Fatalf("could not open writer mapping: %+v", err)
	}
	defer w.Close()

	r, err := Open(fname, 32)
	if err != nil {
		t.Fatalf("could not open reader mapping: %+v", err)
	}
	defer r.Close()

	if got, want := w.Len(), 32; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	w.Store32(4, 0xdeadbeef)
	w.Store64(8, 1<<40+42)

	if got, want := r.Load32(4), uint32(0xdeadbeef); got != want {
		t.Fatalf("invalid 32-bit word: got=0x%x, want=0x%x", got, want)
	}
	if got, want := r.Load64(8), uint64(1<<40+42); got != want {
		t.Fatalf("invalid 64-bit word: got=%d, want=%d", got, want)
	}

	err = w.Sync()
	if err != nil {
		t.Fatalf("could not sync mapping: %+v", err)
	}

	fi, err := os.Stat(fname)
	if err != nil {
		t.Fatalf("could not stat file: %+v", err)
	}
	if got, want := fi.Size(), int64(32); got != want {
		t.Fatalf("invalid file size: got=%d, want=%d", got, want)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name  string
		fname string
		size  int
		want  string
	}{
		{
			name:  "zero-size",
			fname: filepath.Join(dir, "zero"),
			size:  0,
			want:  "mmap: invalid mapping size 0",
		},
		{
			name:  "unaligned-size",
			fname: filepath.Join(dir, "unaligned"),
			size:  12,
			want:  "mmap: invalid mapping size 12",
		},
		{
			name:  "no-dir",
			fname: filepath.Join(dir, "not-there", "file"),
			size:  8,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(tc.fname, tc.size)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if tc.want == "" {
				return
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}

func TestInvalidOffset(t *testing.T) {
	h := handleFrom(make([]byte, 16))

	for _, tc := range []struct {
		name string
		f    func()
	}{
		{"load32-unaligned", func() { h.Load32(2) }},
		{"load32-overflow", func() { h.Load32(16) }},
		{"store64-overflow", func() { h.Store64(16, 1) }},
		{"load64-negative", func() { h.Load64(-8) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected a panic")
				}
			}()
			tc.f()
		})
	}
}
