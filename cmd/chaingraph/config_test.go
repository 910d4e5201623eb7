package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chaingraph.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.PageSize != 20 || cfg.Neo4j.URL != "" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Neo4j.BreakerTimeout.Duration != 30*time.Second {
		t.Fatalf("breaker timeout = %v", cfg.Neo4j.BreakerTimeout)
	}
	if cfg.TxRatePerSec != 0 || cfg.TxBurst != 20 {
		t.Fatalf("tx limit defaults = %v/%d", cfg.TxRatePerSec, cfg.TxBurst)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
http_addr = ":9000"
page_size = 50
workers = 4

[neo4j]
url = "neo4j://db:7687"
rate_per_sec = 5.5
breaker_timeout = "10s"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.PageSize != 50 || cfg.Workers != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Neo4j.URL != "neo4j://db:7687" || cfg.Neo4j.RatePerSec != 5.5 {
		t.Fatalf("neo4j = %+v", cfg.Neo4j)
	}
	if cfg.Neo4j.BreakerTimeout.Duration != 10*time.Second {
		t.Fatalf("breaker timeout = %v", cfg.Neo4j.BreakerTimeout)
	}
	if cfg.Neo4j.User != "neo4j" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unset keys lost their defaults: %+v", cfg)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "page_size = 50\nnats_url = \"nats://file:4222\"\n")
	t.Setenv("CHAINGRAPH_PAGE_SIZE", "7")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("NEO4J_PASS", "secret")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageSize != 7 || cfg.NATSURL != "nats://env:4222" || cfg.Neo4j.Pass != "secret" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("bad toml", func(t *testing.T) {
		if _, err := loadConfig(writeConfig(t, "page_size = ")); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("bad duration", func(t *testing.T) {
		if _, err := loadConfig(writeConfig(t, "[neo4j]\nbreaker_timeout = \"soon\"\n")); err == nil {
			t.Fatal("expected duration error")
		}
	})
	t.Run("bad env int", func(t *testing.T) {
		t.Setenv("CHAINGRAPH_WORKERS", "many")
		if _, err := loadConfig(""); err == nil {
			t.Fatal("expected env error")
		}
	})
	t.Run("zero page size", func(t *testing.T) {
		t.Setenv("CHAINGRAPH_PAGE_SIZE", "0")
		if _, err := loadConfig(""); err == nil {
			t.Fatal("expected page size error")
		}
	})
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug").String() != "DEBUG" || parseLevel("Warn").String() != "WARN" {
		t.Fatal("level not parsed")
	}
	if parseLevel("loud").String() != "INFO" {
		t.Fatal("unknown level should fall back to info")
	}
}
