// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prepc

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"gopkg.in/yaml.v3"
)

// Fault policies.
const (
	FaultFailFast    = "fail-fast"
	FaultPauseResume = "pause-resume"
)

// Config holds the configuration of a node.
type Config struct {
	Node          uint32        `yaml:"node"`            // ID of the node
	Listen        string        `yaml:"listen"`          // address the downstream consumer connects to
	Sources       []string      `yaml:"sources"`         // addresses of the upstream senders
	EventsPerLoop int           `yaml:"events_per_loop"` // send-blocks processed between two pool resets
	Pool          PoolConfig    `yaml:"pool"`
	Fault         string        `yaml:"fault"`    // fault policy
	Checksum      bool          `yaml:"checksum"` // compute the trailer checksum of forwarded blocks
	Timeout       time.Duration `yaml:"timeout"`  // socket I/O timeout
	Poll          time.Duration `yaml:"poll"`     // pause token polling period
	SHM           SHMConfig     `yaml:"shm"`
	DQM           string        `yaml:"dqm"`    // output YODA file of monitoring histograms
	CondDB        string        `yaml:"conddb"` // name of the condition database
	Log           LogConfig     `yaml:"log"`
}

type PoolConfig struct {
	Slots     int `yaml:"slots"`
	SlotWords int `yaml:"slot_words"`
}

type SHMConfig struct {
	Status string `yaml:"status"` // status region file
	Pause  string `yaml:"pause"`  // pause flag file
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns the default configuration of a node.
func DefaultConfig() Config {
	return Config{
		Listen:        ":33000",
		EventsPerLoop: 1,
		Pool: PoolConfig{
			Slots:     4,
			SlotWords: 1000000,
		},
		Fault:   FaultFailFast,
		Timeout: 1 * time.Second,
		Poll:    1 * time.Second,
		Log: LogConfig{
			Level:      "INFO",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
		},
	}
}

// LoadConfig reads the YAML configuration file fname on top of the
// default configuration.
func LoadConfig(fname string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(fname)
	if err != nil {
		return cfg, fmt.Errorf("prepc: could not read config file %q: %w", fname, err)
	}

	err = yaml.Unmarshal(raw, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("prepc: could not decode config file %q: %w", fname, err)
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, fmt.Errorf("prepc: invalid config file %q: %w", fname, err)
	}

	return cfg, nil
}

// Validate checks the configuration is usable.
// The upstream sources may be left empty when they are to be resolved
// from the condition database.
func (cfg Config) Validate() error {
	switch {
	case cfg.Listen == "":
		return fmt.Errorf("prepc: no listen address")
	case len(cfg.Sources) == 0 && cfg.CondDB == "":
		return fmt.Errorf("prepc: no upstream source")
	case cfg.EventsPerLoop <= 0:
		return fmt.Errorf("prepc: invalid number of events per loop (%d)", cfg.EventsPerLoop)
	case cfg.Pool.Slots < 2:
		// one slot for the receive buffer, one for its re-interleaved copy.
		return fmt.Errorf("prepc: invalid number of pool slots (%d, min=2)", cfg.Pool.Slots)
	case cfg.Pool.SlotWords <= 0:
		return fmt.Errorf("prepc: invalid pool slot size (%d words)", cfg.Pool.SlotWords)
	case cfg.Timeout <= 0:
		return fmt.Errorf("prepc: invalid socket timeout (%v)", cfg.Timeout)
	case cfg.Poll <= 0:
		return fmt.Errorf("prepc: invalid pause polling period (%v)", cfg.Poll)
	}

	_, err := cfg.FaultPolicy()
	if err != nil {
		return err
	}

	_, err = cfg.Log.Lvl()
	if err != nil {
		return err
	}

	return nil
}

// FaultPolicy returns the fault policy named by the configuration.
func (cfg Config) FaultPolicy() (FaultPolicy, error) {
	switch cfg.Fault {
	case FaultFailFast, "":
		return FailFast{}, nil
	case FaultPauseResume:
		return PauseResume{Poll: cfg.Poll}, nil
	}
	return nil, fmt.Errorf("prepc: unknown fault policy %q", cfg.Fault)
}

// Lvl returns the message stream level named by the configuration.
func (cfg LogConfig) Lvl() (log.Level, error) {
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG", "DBG":
		return log.LvlDebug, nil
	case "INFO", "":
		return log.LvlInfo, nil
	case "WARN", "WARNING":
		return log.LvlWarning, nil
	case "ERROR", "ERR":
		return log.LvlError, nil
	}
	return log.LvlInfo, fmt.Errorf("prepc: unknown log level %q", cfg.Level)
}
