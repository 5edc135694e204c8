package rpc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServiceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	body := []byte("listen: \":9650\"\nauthSecret: topsecret\nratePerMinute: 120\nrateBurst: 10\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9650" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.AuthSecret != "topsecret" || cfg.RatePerMinute != 120 || cfg.RateBurst != 10 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	if err := os.WriteFile(path, []byte("authSecret: x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8545" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if _, err := LoadServiceConfig(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
