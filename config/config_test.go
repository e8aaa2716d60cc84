package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportLocalSocket {
		t.Fatalf("expected default transport kind local-socket, got %q", cfg.Transport.Kind)
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Fatalf("unexpected default heartbeat interval: %v", cfg.Heartbeat.Interval)
	}
	if cfg.Backend.Port != 11434 {
		t.Fatalf("unexpected default backend port: %d", cfg.Backend.Port)
	}
}

func TestLoadConfigReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	contents := "transport:\n  kind: in-process\nbackend:\n  host: example.internal\n  port: 9999\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportInProcess {
		t.Fatalf("expected in-process transport, got %q", cfg.Transport.Kind)
	}
	if cfg.Backend.Host != "example.internal" || cfg.Backend.Port != 9999 {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
}

func TestLoadConfigRejectsUnknownTransportKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte("transport:\n  kind: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown transport kind")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("YOLLAYAH_BACKEND_HOST", "env-host")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Host != "env-host" {
		t.Fatalf("expected env override to win, got %q", cfg.Backend.Host)
	}
}
