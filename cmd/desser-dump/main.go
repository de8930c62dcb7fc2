// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// desser-dump decodes and displays captured send-block streams.
//
// Usage: desser-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> desser-dump ./run-42.raw
//	=== send-block #0 ===
//	words:           40
//	events:           1
//	nodes:            4
//	exp/run/sub: 1/42/0
//	event:           10
//	node-id:  0x00000100
//	checksum:     0x0000
//	  entry   0: COPPER node=0x00000100 evt=10 utime=1600000010 trg=0x0000a001 ctr=10 words=8
//	[...]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/desser/rawdata"
)

func main() {
	log.SetPrefix("desser-dump: ")
	log.SetFlags(0)

	var (
		hex  = flag.Bool("x", false, "dump the words of each entry")
		nmax = flag.Int("n", -1, "maximum number of send-blocks to display per file")
	)

	flag.Usage = func() {
		fmt.Printf(`desser-dump decodes and displays captured send-block streams.

Usage: desser-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> desser-dump ./run-42.raw
 === send-block #0 ===
 words:           40
 events:           1
 nodes:            4
 [...]

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input send-block file")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *nmax, *hex)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, nmax int, hex bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	dec := rawdata.NewDecoder(bufio.NewReader(f))
	for i := 0; nmax < 0 || i < nmax; i++ {
		var sb rawdata.SendBlock
		err := dec.Decode(&sb)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("could not decode send-block #%d: %w", i, err)
		}
		dump(wbuf, i, &sb, hex)
	}

	return wbuf.Flush()
}

func dump(w io.Writer, i int, sb *rawdata.SendBlock, hex bool) {
	exp, run, sub := rawdata.UnpackExpRun(sb.Header.ExpRunSubrun)
	fmt.Fprintf(w, "=== send-block #%d ===\n", i)
	fmt.Fprintf(w, "words:       % 10d\n", sb.Header.NWords)
	fmt.Fprintf(w, "events:      % 10d\n", sb.Header.NumEvents)
	fmt.Fprintf(w, "nodes:       % 10d\n", sb.Header.NumNodes)
	fmt.Fprintf(w, "exp/run/sub: %d/%d/%d\n", exp, run, sub)
	fmt.Fprintf(w, "event:       % 10d\n", sb.Header.EventNumber)
	fmt.Fprintf(w, "node-id:     0x%08x\n", sb.Header.NodeID)
	fmt.Fprintf(w, "checksum:    0x%04x\n", sb.Trailer.Checksum)

	blk := sb.Block
	for j := 0; j < blk.NumEntries(); j++ {
		e := blk.Entry(j)
		fmt.Fprintf(w,
			"  entry % 3d: %-6v node=0x%08x evt=%d utime=%d trg=0x%08x ctr=%d words=%d\n",
			j, e.Kind(), e.NodeID(), e.EventNumber(), e.UTCTime(), e.TrgType(),
			e.Counter(), e.NumWords(),
		)
		if hex {
			rawdata.Dump(w, e[:e.NumWords()*rawdata.WordSize])
		}
	}
}
