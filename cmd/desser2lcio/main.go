// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser2lcio converts a captured send-block stream into an LCIO file.
package main // import "github.com/go-lpc/desser/cmd/desser2lcio"

import (
	"bufio"
	"compress/flate"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/desser/internal/xcnv"
	"github.com/go-lpc/desser/rawdata"
	"go-hep.org/x/hep/lcio"
)

var (
	msg = log.New(os.Stdout, "desser2lcio: ", 0)
)

func main() {
	var (
		oname = flag.String("o", "out.lcio", "path to output LCIO file")
		compr = flag.Int("lvl", flate.DefaultCompression, "compression level for output LCIO file")
		freq  = flag.Int("freq", 1000, "progress report frequency, in send-blocks")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: desser2lcio [OPTIONS] file.raw

ex:
 $> desser2lcio -o out.lcio -lvl=9 ./run-42.raw

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		msg.Fatalf("missing input send-block file")
	}

	if *oname == "" {
		flag.Usage()
		msg.Fatalf("invalid output LCIO file name")
	}

	err := process(*oname, *compr, *freq, flag.Arg(0))
	if err != nil {
		msg.Fatalf("could not convert send-block file: %+v", err)
	}
}

func process(oname string, lvl, freq int, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open send-block file: %w", err)
	}
	defer f.Close()

	w, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(lvl)

	dec := rawdata.NewDecoder(bufio.NewReader(f))
	err = xcnv.Desser2LCIO(w, dec, freq, msg)
	if err != nil {
		return fmt.Errorf("could not convert send-blocks to LCIO: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}
