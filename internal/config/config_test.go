package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("WEBTEXT_SECRET", "testsecret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8425" {
		t.Errorf("listen_addr = %q, want :8425", cfg.ListenAddr)
	}
	if cfg.Auth.Secret != "testsecret" {
		t.Errorf("secret = %q, want env value", cfg.Auth.Secret)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("WEBTEXT_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "listen_addr = \":9000\"\n\n[auth]\nsecret = \"filesecret\"\naccess_ttl_hours = 1\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.Auth.Secret != "filesecret" {
		t.Errorf("secret = %q, want filesecret", cfg.Auth.Secret)
	}
	if cfg.Auth.AccessTTLHours != 1 {
		t.Errorf("access_ttl_hours = %d, want 1", cfg.Auth.AccessTTLHours)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("WEBTEXT_SECRET", "")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error when no secret configured")
	}
}
