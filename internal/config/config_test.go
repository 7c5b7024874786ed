package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MatchInterval != time.Second {
		t.Errorf("expected default 1s match interval, got %s", cfg.MatchInterval)
	}
	if cfg.ListenAddr == "" || cfg.DatabaseURL == "" {
		t.Error("expected non-empty defaults")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MATCH_INTERVAL", "10s")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MatchInterval != 10*time.Second {
		t.Errorf("expected 10s match interval, got %s", cfg.MatchInterval)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.ListenAddr)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("MATCH_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid duration")
	}
}
