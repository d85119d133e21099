package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Lobby.ReconcileInterval(); got != 10*time.Second {
		t.Fatalf("reconcile interval = %v, want 10s", got)
	}
	if got := cfg.Gate.LockTimeout(); got != 10*time.Second {
		t.Fatalf("lock timeout = %v, want 10s", got)
	}
	if got := cfg.Gate.Grace(); got != 2*time.Second {
		t.Fatalf("grace = %v, want 2s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"role", func(c *Config) { c.Identity.Role = "admin" }, "identity.role"},
		{"port", func(c *Config) { c.P2P.ListenPort = 70000 }, "p2p.listen_port"},
		{"lobby", func(c *Config) { c.Lobby.Channel = "a b" }, "lobby.channel"},
		{"candidates", func(c *Config) { c.Call.MaxCandidates = 0 }, "call.max_candidates"},
		{"grace", func(c *Config) { c.Gate.GraceSec = 10 }, "gate.grace_seconds"},
		{"url", func(c *Config) { c.Gate.URL = "ftp://x" }, "gate.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestValidateGate(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateGate(); err == nil {
		t.Fatal("expected error for missing token secret")
	}
	cfg.Gate.TokenSecret = "0123456789abcdef"
	if err := cfg.ValidateGate(); err != nil {
		t.Fatalf("ValidateGate: %v", err)
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hostline.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}

	cfg.Identity.Role = RoleHost
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (reload): %v", err)
	}
	if created {
		t.Fatal("expected existing config to be loaded")
	}
	if again.Identity.Role != RoleHost {
		t.Fatalf("role = %q, want host", again.Identity.Role)
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostline.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"key_file":"k","role":"observer"}}`)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.Role != RoleObserver {
		t.Fatalf("role = %q", cfg.Identity.Role)
	}
	if cfg.Call.SetupTimeoutSec != 30 {
		t.Fatalf("setup timeout default lost: %d", cfg.Call.SetupTimeoutSec)
	}
}
