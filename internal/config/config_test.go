package config

import (
	"os"
	"path/filepath"
	"testing"

	"Patron-Relay/internal/auth"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"sponsor": {"policy_seed_path": "policies.yaml"},
		"auth": {"mode": "static", "tokens": [{"token": "t", "name": "ci", "permissions": ["relay.submit"]}]}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address = %q", cfg.Server.Address)
	}
	if cfg.Chain.Driver != "memory" || cfg.Chain.ChainID != 1337 {
		t.Fatalf("chain defaults = %+v", cfg.Chain)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Buffer != 128 {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Sponsor.Workers != 4 || cfg.Sponsor.MaxRetries != 3 || cfg.Sponsor.ExecuteTimeoutSeconds != 30 {
		t.Fatalf("sponsor defaults = %+v", cfg.Sponsor)
	}
	if want := filepath.Join(dir, "policies.yaml"); cfg.Sponsor.PolicySeedPath != want {
		t.Fatalf("seed path = %q, want %q", cfg.Sponsor.PolicySeedPath, want)
	}
	if cfg.Auth.Mode != auth.ModeStatic || len(cfg.Auth.Tokens) != 1 {
		t.Fatalf("auth = %+v", cfg.Auth)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
