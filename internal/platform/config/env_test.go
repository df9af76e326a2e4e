package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port  int           `env:"PORT" envDefault:"123"`
	Block time.Duration `env:"BLOCK" envDefault:"1s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg, "ORDERSTREAM_TEST_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("port = %d, want 123", cfg.Port)
	}
	if cfg.Block != time.Second {
		t.Fatalf("block = %v, want 1s", cfg.Block)
	}
}

func TestParseEnvAppliesPrefix(t *testing.T) {
	t.Setenv("ORDERSTREAM_TEST_PORT", "9000")
	t.Setenv("PORT", "1")

	var cfg envTestConfig
	if err := ParseEnv(&cfg, "ORDERSTREAM_TEST_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("ORDERSTREAM_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg, "ORDERSTREAM_TEST_")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
