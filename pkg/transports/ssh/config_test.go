package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validKeyConfig(t *testing.T) *Config {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("fake key material"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	cfg := DefaultConfig("10.0.0.1", "root")
	cfg.PrivateKeyPath = keyPath
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("10.0.0.1", "root")

	if cfg.Port != 22 {
		t.Errorf("expected port 22, got %d", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("expected key auth, got %s", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("strict host key checking should default on")
	}
	if cfg.ConnectionTimeout != 30*time.Second || cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("unexpected timeouts: %s / %s", cfg.ConnectionTimeout, cfg.CommandTimeout)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid key config", mutate: func(c *Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "key file missing", mutate: func(c *Config) { c.PrivateKeyPath = "/nonexistent/id_rsa" }, wantErr: true},
		{name: "password auth without password", mutate: func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = ""
		}, wantErr: true},
		{name: "password auth with password", mutate: func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = "secret"
		}},
		{name: "unsupported auth method", mutate: func(c *Config) { c.AuthMethod = "agent" }, wantErr: true},
		{name: "zero connection timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: true},
		{name: "zero command timeout", mutate: func(c *Config) { c.CommandTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validKeyConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := DefaultConfig("10.0.0.1", "root")
	if got := cfg.Address(); got != "10.0.0.1:22" {
		t.Errorf("expected 10.0.0.1:22, got %s", got)
	}

	cfg.Port = 2222
	if got := cfg.Address(); got != "10.0.0.1:2222" {
		t.Errorf("expected 10.0.0.1:2222, got %s", got)
	}
}
