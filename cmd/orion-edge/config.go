package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/orion/internal/backoff"
	"github.com/haasonsaas/orion/internal/edgeclient"
)

const (
	defaultEdgeConfigDir  = ".orion-edge"
	defaultEdgeConfigName = "config.yaml"
)

var errConfigNotFound = errors.New("edge config not found")

// Config is the on-disk edge agent configuration.
type Config struct {
	CoreURL           string         `yaml:"core_url"`
	DeviceID          string         `yaml:"device_id"`
	Hostname          string         `yaml:"hostname"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	MaxConcurrent     int            `yaml:"max_concurrent"`
	DiskPath          string         `yaml:"disk_path"`
	LogLevel          string         `yaml:"log_level"`
	Reconnect         backoff.Policy `yaml:"reconnect"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	client := edgeclient.DefaultConfig()
	hostname, _ := os.Hostname() //nolint:errcheck // best effort
	return Config{
		CoreURL:           client.URL,
		DeviceID:          hostname,
		Hostname:          hostname,
		HeartbeatInterval: client.HeartbeatInterval,
		MaxConcurrent:     client.MaxConcurrent,
		LogLevel:          "info",
		Reconnect:         client.Reconnect,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultEdgeConfigName
	}
	return filepath.Join(home, defaultEdgeConfigDir, defaultEdgeConfigName)
}

func resolveConfigPath(explicit string) (string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return expandUserPath(explicit), true
	}
	if env := strings.TrimSpace(os.Getenv("ORION_EDGE_CONFIG")); env != "" {
		return expandUserPath(env), true
	}
	defaultPath := defaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath, true
	}
	return defaultPath, false
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errConfigNotFound
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// mergeConfig overlays the non-zero fields of override onto base.
func mergeConfig(base, override Config) Config {
	if strings.TrimSpace(override.CoreURL) != "" {
		base.CoreURL = override.CoreURL
	}
	if strings.TrimSpace(override.DeviceID) != "" {
		base.DeviceID = override.DeviceID
	}
	if strings.TrimSpace(override.Hostname) != "" {
		base.Hostname = override.Hostname
	}
	if override.HeartbeatInterval > 0 {
		base.HeartbeatInterval = override.HeartbeatInterval
	}
	if override.MaxConcurrent > 0 {
		base.MaxConcurrent = override.MaxConcurrent
	}
	if strings.TrimSpace(override.DiskPath) != "" {
		base.DiskPath = override.DiskPath
	}
	if strings.TrimSpace(override.LogLevel) != "" {
		base.LogLevel = override.LogLevel
	}
	if override.Reconnect.Initial > 0 {
		base.Reconnect.Initial = override.Reconnect.Initial
	}
	if override.Reconnect.Max > 0 {
		base.Reconnect.Max = override.Reconnect.Max
	}
	if override.Reconnect.Factor > 0 {
		base.Reconnect.Factor = override.Reconnect.Factor
	}
	if override.Reconnect.Jitter > 0 {
		base.Reconnect.Jitter = override.Reconnect.Jitter
	}
	return base
}

func normalizeConfig(cfg Config) Config {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		hostname, _ := os.Hostname() //nolint:errcheck // best effort
		cfg.DeviceID = hostname
	}
	if strings.TrimSpace(cfg.Hostname) == "" {
		cfg.Hostname = cfg.DeviceID
	}
	cfg.CoreURL = normalizeCoreURL(cfg.CoreURL)
	return cfg
}

// normalizeCoreURL turns host:port or http(s) addresses into the websocket
// endpoint of the core.
func normalizeCoreURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(raw)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}
	return parsed.String()
}

func writeConfig(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	path = expandUserPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(normalizeConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c Config) clientConfig() edgeclient.Config {
	return edgeclient.Config{
		URL:               c.CoreURL,
		DeviceID:          c.DeviceID,
		Hostname:          c.Hostname,
		HeartbeatInterval: c.HeartbeatInterval,
		MaxConcurrent:     c.MaxConcurrent,
		Reconnect:         c.Reconnect,
	}
}
