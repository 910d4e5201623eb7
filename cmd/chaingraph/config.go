package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is read from an optional TOML file; environment variables override
// the file and flags override both.
type Config struct {
	HTTPAddr   string `toml:"http_addr"`
	GRPCAddr   string `toml:"grpc_addr"`
	CORSOrigin string `toml:"cors_origin"`
	LogLevel   string `toml:"log_level"`

	PageSize int `toml:"page_size"`
	Workers  int `toml:"workers"`

	NATSURL string `toml:"nats_url"`

	// TxRatePerSec limits POST /api/tx; 0 disables the limit.
	TxRatePerSec float64 `toml:"tx_rate_per_sec"`
	TxBurst      int     `toml:"tx_burst"`

	Neo4j Neo4jConfig `toml:"neo4j"`
}

// Neo4jConfig configures the optional export. An empty URL disables it.
type Neo4jConfig struct {
	URL  string `toml:"url"`
	User string `toml:"user"`
	Pass string `toml:"pass"`

	RatePerSec     float64  `toml:"rate_per_sec"`
	Burst          int      `toml:"burst"`
	FailThreshold  int      `toml:"fail_threshold"`
	BreakerTimeout duration `toml:"breaker_timeout"`
}

// duration lets TOML hold values such as "30s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func defaultConfig() Config {
	return Config{
		HTTPAddr:   ":8080",
		GRPCAddr:   ":9090",
		CORSOrigin: "*",
		LogLevel:   "info",
		PageSize:   20,
		TxBurst:    20,
		Neo4j: Neo4jConfig{
			User:           "neo4j",
			RatePerSec:     50,
			Burst:          10,
			FailThreshold:  5,
			BreakerTimeout: duration{30 * time.Second},
		},
	}
}

// loadConfig layers defaults, the TOML file at path (skipped when path is
// empty or the file does not exist) and CHAINGRAPH_* variables.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOr("CHAINGRAPH_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOr("CHAINGRAPH_GRPC_ADDR", cfg.GRPCAddr)
	cfg.CORSOrigin = envOr("CHAINGRAPH_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = envOr("CHAINGRAPH_LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.Neo4j.URL = envOr("NEO4J_URL", cfg.Neo4j.URL)
	cfg.Neo4j.User = envOr("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Pass = envOr("NEO4J_PASS", cfg.Neo4j.Pass)

	var err error
	if cfg.PageSize, err = envInt("CHAINGRAPH_PAGE_SIZE", cfg.PageSize); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = envInt("CHAINGRAPH_WORKERS", cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.PageSize < 1 {
		return cfg, fmt.Errorf("page_size must be at least 1, got %d", cfg.PageSize)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
