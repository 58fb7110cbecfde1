package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yml")
	writeFile(t, path, "agent_id: a1\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %s, want 30s", cfg.PingInterval)
	}
	if cfg.MaxMessageSize != 1<<20 {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, 1<<20)
	}
	if cfg.TLSVerifyMode != TLSVerifyRequired {
		t.Errorf("TLSVerifyMode = %q, want required", cfg.TLSVerifyMode)
	}
	if cfg.AgentID != "a1" {
		t.Errorf("AgentID = %q, want a1", cfg.AgentID)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yml")
	writeFile(t, path, "ping_interval: 5s\ntls_verify_mode: optional\nbind_port: 9999\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != 5*time.Second {
		t.Errorf("PingInterval = %s, want 5s", cfg.PingInterval)
	}
	if cfg.TLSVerifyMode != TLSVerifyOptional {
		t.Errorf("TLSVerifyMode = %q, want optional", cfg.TLSVerifyMode)
	}
	if cfg.BindPort != 9999 {
		t.Errorf("BindPort = %d, want 9999", cfg.BindPort)
	}
}

func TestLoadIncludeMergeLaterWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yml"), "ping_interval: 1s\nbind_port: 1\n")
	writeFile(t, filepath.Join(dir, "override.yml"), "bind_port: 2\n")
	mainPath := filepath.Join(dir, "fleet.yml")
	writeFile(t, mainPath, "include: [\"base.yml\", \"override.yml\"]\n")

	cfg, err := Load(mainPath, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != time.Second {
		t.Errorf("PingInterval = %s, want 1s", cfg.PingInterval)
	}
	if cfg.BindPort != 2 {
		t.Errorf("BindPort = %d, want 2 (later include wins)", cfg.BindPort)
	}
}

func TestLoadTopLevelWinsOverIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yml"), "bind_port: 1\n")
	mainPath := filepath.Join(dir, "fleet.yml")
	writeFile(t, mainPath, "include: [\"base.yml\"]\nbind_port: 42\n")

	cfg, err := Load(mainPath, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 42 {
		t.Errorf("BindPort = %d, want 42", cfg.BindPort)
	}
}

func TestLoadCLIOverridesAppliedLast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yml")
	writeFile(t, path, "bind_port: 1\n")

	cfg, err := Load(path, []string{"bind_port=7"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 7 {
		t.Errorf("BindPort = %d, want 7", cfg.BindPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }, true},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }, true},
		{"zero max message size", func(c *Config) { c.MaxMessageSize = 0 }, true},
		{"cert without key", func(c *Config) { c.TLSCertFile = "cert.pem" }, true},
		{"invalid agent id", func(c *Config) { c.AgentID = "bad id!" }, true},
		{"valid agent id", func(c *Config) { c.AgentID = "a1_host-2" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValuesRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yml")
	writeFile(t, path, "agent_secret: hunter2\ntls_key_file: key.pem\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	vals := cfg.Values()
	if vals["agent_secret"] != "(set)" {
		t.Errorf("agent_secret = %q, want redacted", vals["agent_secret"])
	}
	if vals["tls_key_file"] != "(set)" {
		t.Errorf("tls_key_file = %q, want redacted", vals["tls_key_file"])
	}
}

func TestSetTLSFiles(t *testing.T) {
	cfg := defaults()
	cfg.SetTLSFiles("cert.pem", "key.pem")
	if cfg.TLSCertFilePath() != "cert.pem" {
		t.Errorf("TLSCertFilePath = %q, want cert.pem", cfg.TLSCertFilePath())
	}
	if cfg.TLSKeyFilePath() != "key.pem" {
		t.Errorf("TLSKeyFilePath = %q, want key.pem", cfg.TLSKeyFilePath())
	}
}
