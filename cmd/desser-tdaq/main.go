// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command desser-tdaq starts a TDAQ server running a deserializer node.
//
// The node configuration is read from the YAML file named by the /config
// command, or by the first positional argument.
// Counters of the node are published on the /stats output port.
package main // import "github.com/go-lpc/desser/cmd/desser-tdaq"

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/desser/conddb"
	"github.com/go-lpc/desser/prepc"
)

func main() {
	cmd := flags.New()

	dev := newServer(cmd.Args)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/stats", dev.stats)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type server struct {
	fname string
	freq  time.Duration

	// sources retrieves the upstream addresses of a node from a
	// condition database.
	sources func(ctx context.Context, dbname string, node uint32) ([]string, error)

	mu      sync.Mutex
	cfg     prepc.Config
	node    *prepc.Node
	started bool
}

func newServer(args []string) *server {
	srv := &server{
		freq:    1 * time.Second,
		sources: condSources,
		cfg:     prepc.DefaultConfig(),
	}
	if len(args) > 0 {
		srv.fname = args[0]
	}
	return srv
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	fname := srv.fname
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		if v := dec.ReadStr(); v != "" {
			fname = v
		}
	}
	if fname == "" {
		return fmt.Errorf("no configuration file")
	}

	cfg, err := prepc.LoadConfig(fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration %q: %+v", fname, err)
		return fmt.Errorf("could not load configuration %q: %w", fname, err)
	}

	srv.mu.Lock()
	srv.cfg = cfg
	srv.mu.Unlock()

	ctx.Msg.Infof("node %d: %d upstream source(s), downstream on %q",
		cfg.Node, len(cfg.Sources), cfg.Listen,
	)
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.close()
	if err != nil {
		ctx.Msg.Warnf("could not close previous node: %+v", err)
	}

	cfg := srv.cfg
	if len(cfg.Sources) == 0 && cfg.CondDB != "" {
		cfg.Sources, err = srv.sources(ctx.Ctx, cfg.CondDB, cfg.Node)
		if err != nil {
			ctx.Msg.Errorf("could not retrieve upstream sources from %q: %+v", cfg.CondDB, err)
			return fmt.Errorf("could not retrieve upstream sources: %w", err)
		}
		ctx.Msg.Infof("upstream sources: %q", cfg.Sources)
	}

	node, err := prepc.New(cfg, prepc.WithMsgStream(ctx.Msg))
	if err != nil {
		return fmt.Errorf("could not create node: %w", err)
	}
	srv.node = node
	return nil
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.close()
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.node == nil {
		return fmt.Errorf("node not initialized")
	}
	srv.node.ResetStats()
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	node := srv.node
	srv.mu.Unlock()

	if node == nil {
		ctx.Msg.Debugf("received /stop command...")
		return nil
	}

	st := node.Stats()
	ctx.Msg.Debugf("received /stop command... -> events=%d blocks=%d faults=%d",
		st.Events, st.BlocksOut, st.Faults,
	)
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.close()
}

func (srv *server) close() error {
	if srv.node == nil {
		return nil
	}
	err := srv.node.Close()
	srv.node = nil
	srv.started = false
	return err
}

func (srv *server) stats(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case <-time.After(srv.freq):
	}

	srv.mu.Lock()
	node := srv.node
	srv.mu.Unlock()

	if node == nil {
		dst.Body = nil
		return nil
	}

	raw, err := encodeStats(node.Stats())
	if err != nil {
		return fmt.Errorf("could not encode node stats: %w", err)
	}
	dst.Body = raw
	return nil
}

func (srv *server) run(ctx tdaq.Context) error {
	srv.mu.Lock()
	node := srv.node
	started := srv.started
	srv.mu.Unlock()

	if node == nil {
		return fmt.Errorf("node not initialized")
	}

	if !started {
		err := node.Start(ctx.Ctx)
		if err != nil {
			if ctx.Ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not start node: %w", err)
		}
		srv.mu.Lock()
		srv.started = true
		srv.mu.Unlock()
	}

	err := node.Run(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("node stopped: %+v", err)
		return err
	}
	return nil
}

// encodeStats serializes the node counters for the /stats output port.
func encodeStats(st prepc.Stats) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(st.Node)
	enc.WriteStr(st.State.String())
	enc.WriteU32(st.ExpRunSubrun)
	enc.WriteU32(st.LastEvent)
	enc.WriteU64(st.BytesIn)
	enc.WriteU64(st.BytesOut)
	enc.WriteU64(st.BlocksIn)
	enc.WriteU64(st.BlocksOut)
	enc.WriteU64(st.Events)
	enc.WriteU64(st.Faults)
	enc.WriteU64(st.Resumes)
	if err := enc.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func condSources(ctx context.Context, dbname string, node uint32) ([]string, error) {
	db, err := conddb.Open(dbname)
	if err != nil {
		return nil, fmt.Errorf("could not open condition db: %w", err)
	}
	defer db.Close()

	return db.Sources(ctx, node)
}
