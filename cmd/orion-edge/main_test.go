package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.CoreURL == "" {
		t.Fatalf("expected CoreURL to be set")
	}
	if cfg.HeartbeatInterval == 0 {
		t.Fatalf("expected HeartbeatInterval to be set")
	}
	if cfg.Reconnect.Initial == 0 {
		t.Fatalf("expected reconnect policy to be set")
	}
}

func TestNormalizeCoreURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"core:8080", "ws://core:8080/ws"},
		{"http://core:8080", "ws://core:8080/ws"},
		{"https://core.example.com/", "wss://core.example.com/ws"},
		{"ws://core:8080/edge", "ws://core:8080/edge"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeCoreURL(tt.in); got != tt.want {
			t.Errorf("normalizeCoreURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge", "config.yaml")
	cfg := DefaultConfig()
	cfg.CoreURL = "core:9000"
	cfg.DeviceID = "laptop-1"
	cfg.HeartbeatInterval = 5 * time.Second

	if err := writeConfig(path, cfg); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}
	got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got.CoreURL != "ws://core:9000/ws" || got.DeviceID != "laptop-1" || got.Hostname != "laptop-1" {
		t.Errorf("loaded = %+v", got)
	}
	if got.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat = %v", got.HeartbeatInterval)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, errConfigNotFound) {
		t.Fatalf("loadConfig() error = %v", err)
	}
}

func TestMergeConfigKeepsBaseForZeroFields(t *testing.T) {
	base := DefaultConfig()
	merged := mergeConfig(base, Config{DeviceID: "other", MaxConcurrent: 2})
	if merged.DeviceID != "other" || merged.MaxConcurrent != 2 {
		t.Errorf("merged = %+v", merged)
	}
	if merged.CoreURL != base.CoreURL || merged.Reconnect != base.Reconnect {
		t.Errorf("zero fields overwrote base: %+v", merged)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeConfig(path, Config{CoreURL: "file:1", DeviceID: "from-file"}); err != nil {
		t.Fatal(err)
	}

	run, _, err := buildRootCmd().Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.ParseFlags([]string{"--config", path, "--device-id", "from-flag"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveConfig(run, path, Config{DeviceID: "from-flag"})
	if err != nil {
		t.Fatalf("resolveConfig() error = %v", err)
	}
	if cfg.DeviceID != "from-flag" || cfg.CoreURL != "ws://file:1/ws" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range buildRootCmd().Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"run", "init", "info"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}
