// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser-sim simulates the upstream COPPER readout PCs of a
// deserializer node and, optionally, its downstream consumer.
package main // import "github.com/go-lpc/desser/cmd/desser-sim"

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-lpc/desser/rawdata"
	"github.com/go-lpc/desser/sockio"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("desser-sim: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("listen", ":33000", "[ip]:port the simulated sender listens on")
		node  = flag.Uint("node", 0x100, "ID of the first simulated node")
		nodes = flag.Int("nodes", 1, "number of nodes per send-block")
		nevts = flag.Int("evts", 1, "number of events per send-block")
		words = flag.Int("words", 16, "number of payload words per entry")
		ftsw  = flag.Bool("ftsw", false, "prepend an FTSW entry to each event")
		run   = flag.Uint("run", 1, "run number")
		exp   = flag.Uint("exp", 1, "experiment number")
		nblks = flag.Int("n", 0, "number of send-blocks per connection (0: unlimited)")
		freq  = flag.Duration("freq", 10*time.Millisecond, "delay between two send-blocks")
		cksum = flag.Bool("checksum", true, "compute the trailer checksum")
		sink  = flag.String("sink", "", "[ip]:port of a node to drain")
		oname = flag.String("o", "", "path to output file of the drained send-blocks")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: desser-sim [OPTIONS]

ex:
 $> desser-sim -listen :33000 -node 0x100 -nodes 4 -evts 2
 $> desser-sim -listen :33000 -sink localhost:34000 -o out.raw

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	cfg := genConfig{
		exprun:   rawdata.PackExpRun(uint32(*exp), uint32(*run), 0),
		node:     uint32(*node),
		nodes:    *nodes,
		nevts:    *nevts,
		words:    *words,
		ftsw:     *ftsw,
		checksum: *cksum,
		nblks:    *nblks,
		freq:     *freq,
	}
	err := cfg.validate()
	if err != nil {
		log.Fatalf("invalid configuration: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("could not listen on %q: %+v", *addr, err)
	}
	defer l.Close()
	log.Printf("serving send-blocks on %v...", l.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return serve(ctx, l, cfg)
	})

	if *sink != "" {
		var w io.Writer = io.Discard
		if *oname != "" {
			f, err := os.Create(*oname)
			if err != nil {
				log.Fatalf("could not create output file: %+v", err)
			}
			defer f.Close()
			bw := bufio.NewWriter(f)
			defer bw.Flush()
			w = bw
		}
		grp.Go(func() error {
			n, err := drain(ctx, *sink, w, 0)
			log.Printf("drained %d send-blocks from %s", n, *sink)
			return err
		})
	}

	err = grp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%+v", err)
	}
}

type genConfig struct {
	exprun   uint32
	node     uint32
	nodes    int
	nevts    int
	words    int
	ftsw     bool
	checksum bool
	nblks    int
	freq     time.Duration
}

func (cfg genConfig) validate() error {
	switch {
	case cfg.nodes <= 0 || cfg.nodes > 0xffff:
		return fmt.Errorf("invalid number of nodes (%d)", cfg.nodes)
	case cfg.nevts <= 0 || cfg.nevts > 0xffff:
		return fmt.Errorf("invalid number of events (%d)", cfg.nevts)
	case cfg.words < 0:
		return fmt.Errorf("invalid number of payload words (%d)", cfg.words)
	case cfg.ftsw && cfg.nodes < 2:
		return fmt.Errorf("FTSW entries need at least 2 nodes")
	}
	n := (rawdata.EntryHeaderWords + cfg.words) * cfg.nodes * cfg.nevts
	if n > rawdata.MaxBlockWords {
		return fmt.Errorf("send-block too large (%d words, max=%d)", n, rawdata.MaxBlockWords)
	}
	return nil
}

// generator creates the send-blocks of a simulated COPPER readout PC.
type generator struct {
	cfg  genConfig
	rnd  *rand.Rand
	now  func() time.Time
	evt  uint32
	body []byte
	data []uint32
}

func newGenerator(cfg genConfig, seed int64) *generator {
	return &generator{
		cfg:  cfg,
		rnd:  rand.New(rand.NewSource(seed)),
		now:  time.Now,
		data: make([]uint32, cfg.words),
	}
}

func (gen *generator) next() (*rawdata.SendBlock, error) {
	var (
		cfg  = gen.cfg
		evt0 = gen.evt
	)
	gen.body = gen.body[:0]
	for i := 0; i < cfg.nevts; i++ {
		var (
			evt   = gen.evt
			utime = uint32(gen.now().Unix())
			trg   = rawdata.PackTrgType(evt&0xfffffff, 1)
		)
		for n := 0; n < cfg.nodes; n++ {
			hdr := rawdata.EntryHeader{
				Kind:         rawdata.KindCOPPER,
				ExpRunSubrun: cfg.exprun,
				EventNumber:  evt,
				TrgType:      trg,
				UTCTime:      utime,
				NodeID:       cfg.node + uint32(n),
				Counter:      evt,
			}
			if cfg.ftsw && n == 0 {
				hdr.Kind = rawdata.KindFTSW
				hdr.Counter = 0
			}
			for j := range gen.data {
				gen.data[j] = gen.rnd.Uint32()
			}
			gen.body = rawdata.AppendEntry(gen.body, hdr, gen.data...)
		}
		gen.evt++
	}

	body := make([]byte, len(gen.body))
	copy(body, gen.body)

	blk, err := rawdata.NewBlock(body, cfg.nevts, cfg.nodes)
	if err != nil {
		return nil, fmt.Errorf("could not create block: %w", err)
	}

	hdr, err := rawdata.EncodeHeader(blk, evt0, cfg.node, cfg.exprun)
	if err != nil {
		return nil, fmt.Errorf("could not create send header: %w", err)
	}

	return &rawdata.SendBlock{
		Header:  hdr,
		Block:   blk,
		Trailer: rawdata.EncodeTrailer(body, cfg.checksum),
	}, nil
}

// serve accepts connections until ctx is done and streams send-blocks to
// each of them.
func serve(ctx context.Context, l net.Listener, cfg genConfig) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var grp errgroup.Group
	defer grp.Wait()

	for i := int64(0); ; i++ {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}
		log.Printf("accepted connection from %v", conn.RemoteAddr())

		gen := newGenerator(cfg, 1234+i)
		grp.Go(func() error {
			defer conn.Close()
			err := stream(ctx, conn, gen)
			if err != nil {
				log.Printf("connection %v: %+v", conn.RemoteAddr(), err)
			}
			return nil
		})
	}
}

func stream(ctx context.Context, conn net.Conn, gen *generator) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	enc := rawdata.NewEncoder(conn)
	for i := 0; gen.cfg.nblks <= 0 || i < gen.cfg.nblks; i++ {
		sb, err := gen.next()
		if err != nil {
			return err
		}
		err = enc.Encode(sb)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not send block %d: %w", i, err)
		}
		if gen.cfg.freq > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(gen.cfg.freq):
			}
		}
	}

	// keep the connection open: a closed upstream is a fault for the node.
	<-ctx.Done()
	return nil
}

type ctxPauser struct {
	ctx context.Context
}

func (p ctxPauser) Paused() bool { return p.ctx.Err() != nil }

// chanReader reads exactly len(p) bytes per call from a channel.
type chanReader struct {
	ch *sockio.Channel
}

func (r chanReader) Read(p []byte) (int, error) {
	err := r.ch.ReceiveExact(p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// drain connects to the node at addr and decodes the forwarded send-blocks
// until ctx is done or until nmax blocks were read, copying them to w.
func drain(ctx context.Context, addr string, w io.Writer, nmax int) (int, error) {
	ch, err := sockio.Dial(ctx, addr, sockio.WithPauser(ctxPauser{ctx}))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("could not connect to %q: %w", addr, err)
	}
	defer ch.Close()

	var (
		dec = rawdata.NewDecoder(chanReader{ch})
		enc = rawdata.NewEncoder(w)
		n   = 0
	)
	for nmax <= 0 || n < nmax {
		var sb rawdata.SendBlock
		err := dec.Decode(&sb)
		if err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, fmt.Errorf("could not decode send-block %d: %w", n, err)
		}
		err = enc.Encode(&sb)
		if err != nil {
			return n, fmt.Errorf("could not write send-block %d: %w", n, err)
		}
		n++
	}
	return n, nil
}
