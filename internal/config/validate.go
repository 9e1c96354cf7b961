package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/orion/internal/audit"
	"github.com/haasonsaas/orion/internal/tools/catalog"
	"github.com/haasonsaas/orion/internal/tools/policy"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be between 0 and 65535")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		add("server timeouts must not be negative")
	}

	if c.Edge.HeartbeatInterval < 0 || c.Edge.IdleTimeout < 0 || c.Edge.ToolTimeout < 0 {
		add("edge durations must not be negative")
	}
	if c.Edge.IdleTimeout > 0 && c.Edge.HeartbeatInterval >= c.Edge.IdleTimeout {
		add("edge.idle_timeout (%s) must exceed edge.heartbeat_interval (%s)", c.Edge.IdleTimeout, c.Edge.HeartbeatInterval)
	}
	if c.Edge.SendQueueSize < 0 {
		add("edge.send_queue_size must not be negative")
	}
	if c.Edge.MaxFrameBytes < 0 {
		add("edge.max_frame_bytes must not be negative")
	}

	if c.Liveness.SweepInterval < 0 {
		add("liveness.sweep_interval must not be negative")
	}
	if c.Liveness.IdleAfter <= 0 || c.Liveness.OfflineAfter <= 0 {
		add("liveness thresholds must be positive")
	} else if c.Liveness.OfflineAfter <= c.Liveness.IdleAfter {
		add("liveness.offline_after (%s) must exceed liveness.idle_after (%s)", c.Liveness.OfflineAfter, c.Liveness.IdleAfter)
	}

	issues = append(issues, c.Policy.validate()...)

	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "ollama":
	case "openai":
		if strings.TrimSpace(c.LLM.APIKey) == "" && strings.TrimSpace(c.LLM.BaseURL) == "" {
			add("llm.api_key or llm.base_url is required for provider openai")
		}
	case "anthropic", "google", "gemini":
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			add("llm.api_key is required for provider %s", c.LLM.Provider)
		}
	default:
		add("llm.provider must be one of ollama, openai, anthropic, google (got %q)", c.LLM.Provider)
	}

	if c.Loop.MaxToolCalls < 0 {
		add("loop.max_tool_calls must not be negative")
	}
	if c.Loop.HistoryLimit < 0 {
		add("loop.history_limit must not be negative")
	}

	switch c.Audit.Level {
	case audit.LevelDebug, audit.LevelInfo, audit.LevelWarn, audit.LevelError:
	default:
		add("audit.level must be debug, info, warn or error (got %q)", c.Audit.Level)
	}
	switch c.Audit.Format {
	case audit.FormatJSON, audit.FormatText:
	default:
		add("audit.format must be json or text (got %q)", c.Audit.Format)
	}
	if c.Audit.SampleRate < 0 || c.Audit.SampleRate > 1 {
		add("audit.sample_rate must be between 0 and 1")
	}
	if c.Audit.Database.Driver != "" && strings.TrimSpace(c.Audit.Database.DSN) == "" {
		add("audit.database.dsn is required when audit.database.driver is set")
	}

	if strings.ContainsAny(c.Events.SubjectPrefix, "*> \t") {
		add("events.subject_prefix must not contain wildcards or whitespace")
	}

	if c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must not exceed 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (p PolicyConfig) validate() []string {
	var issues []string
	if strings.TrimSpace(p.ConfirmationToken) == "" {
		issues = append(issues, "policy.confirmation_token must not be empty")
	}
	for i, forbidden := range p.ForbiddenPaths {
		if strings.TrimSpace(forbidden) == "" {
			issues = append(issues, fmt.Sprintf("policy.forbidden_paths[%d] is empty", i))
		}
	}
	cat := catalog.Default()
	groups := policy.Groups(cat)
	for _, name := range p.DefaultPermissions.AllowedTools {
		if policy.IsGroup(name) {
			if _, ok := groups[strings.ToLower(name)]; !ok {
				issues = append(issues, fmt.Sprintf("policy.default_permissions.allowed_tools: unknown group %q", name))
			}
			continue
		}
		if _, ok := cat.Lookup(name); !ok {
			issues = append(issues, fmt.Sprintf("policy.default_permissions.allowed_tools: unknown tool %q", name))
		}
	}
	for name := range p.DefaultPermissions.RiskTiers {
		if _, ok := cat.Lookup(name); !ok {
			issues = append(issues, fmt.Sprintf("policy.default_permissions.risk_tiers: unknown tool %q", name))
		}
	}
	return issues
}
