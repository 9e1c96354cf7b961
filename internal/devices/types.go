// Package devices tracks the devices currently connected to the Orion core.
//
// A Device record lives exactly as long as the websocket session that
// registered it. The registry holds identity, the permission record used by
// the tool policy gate, the last heartbeat and a liveness state derived from
// heartbeat recency.
//
//	┌──────────────┐  register   ┌───────────────┐  sweep   ┌─────────────┐
//	│ edge.Session │ ──────────> │   Registry    │ <─────── │   Monitor   │
//	│              │  heartbeat  │ (32 shards)   │          │ (cron job)  │
//	└──────────────┘ ──────────> └───────────────┘          └─────────────┘
package devices

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// LivenessState is derived from how long ago a device last sent a heartbeat.
type LivenessState string

const (
	// StateOnline means a heartbeat arrived within the idle threshold.
	StateOnline LivenessState = "online"

	// StateIdle means the device is late but not yet considered gone.
	StateIdle LivenessState = "idle"

	// StateOffline means the device missed heartbeats past the offline
	// threshold and its session is eligible for reclamation.
	StateOffline LivenessState = "offline"
)

// RiskTier classifies how destructive a tool is.
type RiskTier string

const (
	RiskNone                 RiskTier = "none"
	RiskConfirmationRequired RiskTier = "confirmation_required"
)

// Permissions is the permission record attached to a device.
type Permissions struct {
	// AllowedTools is the set of tool names the device may run.
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`

	// AllowedPaths are path prefixes, matched case- and separator-insensitively.
	AllowedPaths []string `json:"allowed_paths" yaml:"allowed_paths"`

	// AllowedApps is the set of application identifiers the device may launch.
	AllowedApps []string `json:"allowed_apps" yaml:"allowed_apps"`

	// RiskTiers overrides the catalog risk tier per tool name.
	RiskTiers map[string]RiskTier `json:"risk_tiers,omitempty" yaml:"risk_tiers,omitempty"`
}

// Clone returns a deep copy.
func (p Permissions) Clone() Permissions {
	return Permissions{
		AllowedTools: slices.Clone(p.AllowedTools),
		AllowedPaths: slices.Clone(p.AllowedPaths),
		AllowedApps:  slices.Clone(p.AllowedApps),
		RiskTiers:    maps.Clone(p.RiskTiers),
	}
}

// AllowsTool reports whether name is in the allowed tool set.
func (p Permissions) AllowsTool(name string) bool {
	return slices.Contains(p.AllowedTools, name)
}

// AllowsApp reports whether app is whitelisted, ignoring case.
func (p Permissions) AllowsApp(app string) bool {
	app = strings.TrimSpace(app)
	if app == "" {
		return false
	}
	for _, allowed := range p.AllowedApps {
		if strings.EqualFold(allowed, app) {
			return true
		}
	}
	return false
}

// TierFor returns the per-device risk tier override for a tool, if any.
func (p Permissions) TierFor(tool string) (RiskTier, bool) {
	tier, ok := p.RiskTiers[tool]
	return tier, ok
}

// Info holds the attributes a device declares at registration.
type Info struct {
	Hostname     string         `json:"hostname"`
	OS           string         `json:"os"`
	OSVersion    string         `json:"os_version,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Metrics is the latest resource snapshot reported by a device. Percentages
// are clamped to [0, 100].
type Metrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Clamp bounds every percentage to [0, 100].
func (m Metrics) Clamp() Metrics {
	m.CPUPercent = clampPercent(m.CPUPercent)
	m.MemoryPercent = clampPercent(m.MemoryPercent)
	m.DiskPercent = clampPercent(m.DiskPercent)
	return m
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Device is a snapshot of a registered device. Values returned by the
// registry are copies and safe to read without locking.
type Device struct {
	ID string `json:"device_id"`
	Info

	Permissions   Permissions   `json:"permissions"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	State         LivenessState `json:"state"`
	Metrics       *Metrics      `json:"metrics,omitempty"`
}

func (d *Device) clone() Device {
	out := *d
	out.Capabilities = maps.Clone(d.Capabilities)
	out.Metadata = maps.Clone(d.Metadata)
	out.Permissions = d.Permissions.Clone()
	if d.Metrics != nil {
		m := *d.Metrics
		out.Metrics = &m
	}
	return out
}

// IsWindows reports whether the device declared a Windows OS family.
func (i Info) IsWindows() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(i.OS)), "windows")
}
