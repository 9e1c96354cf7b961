// Package config loads the Orion core configuration.
//
// Files may be YAML, JSON/JSON5 or TOML, selected by extension. Environment
// variables are expanded before parsing and other files can be pulled in
// with a top-level $include. Unknown keys are rejected.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/agent/providers"
	"github.com/haasonsaas/orion/internal/audit"
	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/events"
	"github.com/haasonsaas/orion/internal/observability"
	"github.com/haasonsaas/orion/internal/tools/policy"
)

// Config is the main configuration structure for the Orion core.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Edge     EdgeConfig     `yaml:"edge"`
	Liveness LivenessConfig `yaml:"liveness"`
	Policy   PolicyConfig   `yaml:"policy"`
	LLM      LLMConfig      `yaml:"llm"`
	Loop     LoopConfig     `yaml:"loop"`
	Audit    audit.Config   `yaml:"audit"`
	Events   events.Config  `yaml:"events"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// EdgeConfig configures device sessions.
type EdgeConfig struct {
	// HeartbeatInterval is advertised to devices in registration_ack.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// IdleTimeout closes sessions that send nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ToolTimeout bounds a dispatch when the caller gives no timeout.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	SendQueueSize int   `yaml:"send_queue_size"`
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// LivenessConfig configures the liveness monitor.
type LivenessConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleAfter     time.Duration `yaml:"idle_after"`
	OfflineAfter  time.Duration `yaml:"offline_after"`
}

// PolicyConfig holds the gate configuration and the permissions granted to
// newly registered devices. This section is hot-reloaded by Watch.
type PolicyConfig struct {
	ForbiddenPaths     []string                     `yaml:"forbidden_paths"`
	ConfirmationToken  string                       `yaml:"confirmation_token"`
	DefaultPermissions devices.DefaultPermissionSet `yaml:"default_permissions"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	// Provider is "ollama", "openai", "anthropic" or "google".
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoopConfig configures the tool-calling conversation loop.
type LoopConfig struct {
	MaxToolCalls int           `yaml:"max_tool_calls"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	HistoryLimit int           `yaml:"history_limit"`
	MaxTokens    int           `yaml:"max_tokens"`
	StrictRetry  *bool         `yaml:"strict_retry"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Attributes   map[string]string `yaml:"attributes"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, parses, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}

	edgeDefaults := edge.DefaultManagerConfig()
	if cfg.Edge.HeartbeatInterval == 0 {
		cfg.Edge.HeartbeatInterval = edgeDefaults.HeartbeatInterval
	}
	if cfg.Edge.IdleTimeout == 0 {
		cfg.Edge.IdleTimeout = edgeDefaults.IdleTimeout
	}
	if cfg.Edge.ToolTimeout == 0 {
		cfg.Edge.ToolTimeout = edgeDefaults.DefaultToolTimeout
	}
	if cfg.Edge.SendQueueSize == 0 {
		cfg.Edge.SendQueueSize = edgeDefaults.SendQueueSize
	}
	if cfg.Edge.MaxFrameBytes == 0 {
		cfg.Edge.MaxFrameBytes = edgeDefaults.MaxFrameBytes
	}

	monitorDefaults := devices.DefaultMonitorConfig()
	if cfg.Liveness.SweepInterval == 0 {
		cfg.Liveness.SweepInterval = monitorDefaults.SweepInterval
	}
	if cfg.Liveness.IdleAfter == 0 {
		cfg.Liveness.IdleAfter = monitorDefaults.Thresholds.IdleAfter
	}
	if cfg.Liveness.OfflineAfter == 0 {
		cfg.Liveness.OfflineAfter = monitorDefaults.Thresholds.OfflineAfter
	}

	applyPolicyDefaults(&cfg.Policy)

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 120 * time.Second
	}

	loopDefaults := agent.DefaultLoopConfig()
	if cfg.Loop.MaxToolCalls == 0 {
		cfg.Loop.MaxToolCalls = loopDefaults.MaxToolCalls
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = cfg.Edge.ToolTimeout
	}
	if cfg.Loop.HistoryLimit == 0 {
		cfg.Loop.HistoryLimit = agent.DefaultHistoryLimit
	}
	if cfg.Loop.StrictRetry == nil {
		strict := loopDefaults.StrictRetry
		cfg.Loop.StrictRetry = &strict
	}

	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = auditDefaults.MaxFieldSize
	}
	if cfg.Audit.SampleRate == 0 {
		cfg.Audit.SampleRate = auditDefaults.SampleRate
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = auditDefaults.BufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = auditDefaults.FlushInterval
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = events.DefaultSubjectPrefix
	}

	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyPolicyDefaults fills an unset policy section field by field, so a
// file that only lists forbidden paths keeps the stock permissions.
func applyPolicyDefaults(p *PolicyConfig) {
	gate := policy.DefaultConfig()
	if p.ForbiddenPaths == nil {
		p.ForbiddenPaths = gate.ForbiddenPaths
	}
	if p.ConfirmationToken == "" {
		p.ConfirmationToken = gate.ConfirmationToken
	}
	perms := devices.DefaultPermissions()
	if p.DefaultPermissions.AllowedTools == nil {
		p.DefaultPermissions.AllowedTools = perms.AllowedTools
	}
	if p.DefaultPermissions.WindowsAllowedPaths == nil {
		p.DefaultPermissions.WindowsAllowedPaths = perms.WindowsAllowedPaths
	}
	if p.DefaultPermissions.UnixAllowedPaths == nil {
		p.DefaultPermissions.UnixAllowedPaths = perms.UnixAllowedPaths
	}
	if p.DefaultPermissions.AllowedApps == nil {
		p.DefaultPermissions.AllowedApps = perms.AllowedApps
	}
}

// Gate returns the permission gate configuration.
func (p PolicyConfig) Gate() policy.Config {
	return policy.Config{
		ForbiddenPaths:    append([]string(nil), p.ForbiddenPaths...),
		ConfirmationToken: p.ConfirmationToken,
	}
}

// ManagerConfig returns the edge manager configuration.
func (c *Config) ManagerConfig() edge.ManagerConfig {
	return edge.ManagerConfig{
		HeartbeatInterval:  c.Edge.HeartbeatInterval,
		IdleTimeout:        c.Edge.IdleTimeout,
		DefaultToolTimeout: c.Edge.ToolTimeout,
		SendQueueSize:      c.Edge.SendQueueSize,
		MaxFrameBytes:      c.Edge.MaxFrameBytes,
	}
}

// MonitorConfig returns the liveness monitor configuration.
func (c *Config) MonitorConfig() devices.MonitorConfig {
	return devices.MonitorConfig{
		SweepInterval: c.Liveness.SweepInterval,
		Thresholds: devices.Thresholds{
			IdleAfter:    c.Liveness.IdleAfter,
			OfflineAfter: c.Liveness.OfflineAfter,
		},
	}
}

// ProviderConfig returns the LLM provider configuration.
func (c *Config) ProviderConfig() providers.Config {
	return providers.Config{
		Provider: c.LLM.Provider,
		BaseURL:  c.LLM.BaseURL,
		APIKey:   c.LLM.APIKey,
		Model:    c.LLM.Model,
		Timeout:  c.LLM.Timeout,
	}
}

// LoopConfig returns the conversation loop configuration.
func (c *Config) LoopConfig() agent.LoopConfig {
	strict := true
	if c.Loop.StrictRetry != nil {
		strict = *c.Loop.StrictRetry
	}
	return agent.LoopConfig{
		Model:        c.LLM.Model,
		MaxToolCalls: c.Loop.MaxToolCalls,
		ToolTimeout:  c.Loop.ToolTimeout,
		MaxTokens:    c.Loop.MaxTokens,
		StrictRetry:  strict,
	}
}

// TraceConfig returns the tracer configuration for the given build version.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    "orion",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		Endpoint:       c.Tracing.Endpoint,
		SamplingRate:   c.Tracing.SamplingRate,
		Attributes:     c.Tracing.Attributes,
		EnableInsecure: c.Tracing.Insecure,
	}
}

// LogConfig returns the process logger configuration.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
	}
}
