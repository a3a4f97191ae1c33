package main

import (
	"github.com/BurntSushi/toml"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/shm"
)

// Config is the on-disk incd.toml layout.
type Config struct {
	Listen string `toml:"listen"`

	Pool struct {
		Kind        string `toml:"kind"` // "private" | "posix"
		SegmentSize int    `toml:"segment_size"`
		SlotSize    int    `toml:"slot_size"`
		PerClient   bool   `toml:"per_client"`
		Mode        uint32 `toml:"mode"`
	} `toml:"pool"`

	Auth struct {
		Secret string `toml:"secret"`
	} `toml:"auth"`

	Broadcast struct {
		InflightPerClient int `toml:"inflight_per_client"`
	} `toml:"broadcast"`

	MaxConns int64 `toml:"max_conns"`

	MetricsListen string `toml:"metrics_listen"`
}

func defaultConfig() Config {
	var c Config
	c.Listen = "tcp://0.0.0.0:7070"
	c.Pool.Kind = "posix"
	c.Pool.SegmentSize = 64 << 20
	c.Pool.SlotSize = 64 << 10
	c.Broadcast.InflightPerClient = 8
	c.MetricsListen = ":9090"
	return c
}

func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

func (c Config) poolConfig() memsys.Config {
	kind := shm.Posix
	if c.Pool.Kind == "private" {
		kind = shm.Private
	}
	return memsys.Config{
		Kind:        kind,
		SegmentSize: c.Pool.SegmentSize,
		SlotSize:    c.Pool.SlotSize,
		PerClient:   c.Pool.PerClient,
		Mode:        c.Pool.Mode,
	}
}
