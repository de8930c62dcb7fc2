// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dqm fills data quality monitoring histograms from the raw data
// blocks forwarded by a node.
package dqm // import "github.com/go-lpc/desser/dqm"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-lpc/desser/rawdata"
	"go-hep.org/x/hep/hbook"
)

// DQM holds the monitoring histograms of one run.
type DQM struct {
	name string

	mu    sync.Mutex
	words *hbook.H1D // words per raw data block
	entry *hbook.H1D // words per entry
	nodes *hbook.H1D // entries per event
	kinds *hbook.H1D // entry kinds
}

// New creates the monitoring histograms of the node named name.
func New(name string) *DQM {
	d := &DQM{name: name}
	d.reset()
	return d
}

func (d *DQM) reset() {
	d.words = newH1D(d.name+"/block-words", 100, 0, 100000)
	d.entry = newH1D(d.name+"/entry-words", 100, 0, 2000)
	d.nodes = newH1D(d.name+"/event-entries", 64, 0, 64)
	d.kinds = newH1D(d.name+"/entry-kinds", 16, 0, 16)
}

func newH1D(name string, n int, xmin, xmax float64) *hbook.H1D {
	h := hbook.NewH1D(n, xmin, xmax)
	h.Annotation()["name"] = name
	return h
}

// Reset clears all the histograms.
func (d *DQM) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// Observe fills the histograms with the content of blk.
func (d *DQM) Observe(blk *rawdata.Block) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.words.Fill(float64(blk.NumWords()), 1)
	for evt := 0; evt < blk.NumEvents(); evt++ {
		d.nodes.Fill(float64(blk.NumNodes()), 1)
	}
	for i := 0; i < blk.NumEntries(); i++ {
		e := blk.Entry(i)
		d.entry.Fill(float64(e.NumWords()), 1)
		d.kinds.Fill(float64(e.Kind()), 1)
	}
}

// Entries returns the number of raw data blocks observed.
func (d *DQM) Entries() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.words.Entries()
}

// WriteYODA writes all the histograms to w, in the YODA format.
func (d *DQM) WriteYODA(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range []*hbook.H1D{d.words, d.entry, d.nodes, d.kinds} {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("dqm: could not marshal %q: %w", h.Name(), err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return fmt.Errorf("dqm: could not write %q: %w", h.Name(), err)
		}
	}
	return nil
}

// Save writes all the histograms to the file fname.
func (d *DQM) Save(fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("dqm: could not create output file: %w", err)
	}
	defer f.Close()

	o := bufio.NewWriter(f)
	err = d.WriteYODA(o)
	if err != nil {
		return err
	}

	err = o.Flush()
	if err != nil {
		return fmt.Errorf("dqm: could not flush output file: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("dqm: could not close output file: %w", err)
	}
	return nil
}
