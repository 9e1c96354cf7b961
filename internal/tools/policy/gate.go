package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/tools/catalog"
)

// DenyCode identifies why the gate refused a tool call.
type DenyCode string

const (
	CodeToolNotFound         DenyCode = "TOOL_NOT_FOUND"
	CodePermissionDenied     DenyCode = "PERMISSION_DENIED"
	CodePathNotAllowed       DenyCode = "PATH_NOT_ALLOWED"
	CodeAppNotWhitelisted    DenyCode = "APP_NOT_WHITELISTED"
	CodeConfirmationRequired DenyCode = "CONFIRMATION_REQUIRED"
	CodeInvalidParameters    DenyCode = "INVALID_PARAMETERS"
)

// DefaultConfirmationToken is the value a confirmation parameter must carry.
const DefaultConfirmationToken = "DELETE"

// ConfirmParam is the parameter that carries the confirmation token.
const ConfirmParam = "confirm"

// Config is the process-wide gate configuration.
type Config struct {
	// ForbiddenPaths are path prefixes no device may touch. They are checked
	// before any device allow-list and always win.
	ForbiddenPaths []string `yaml:"forbidden_paths" json:"forbidden_paths" toml:"forbidden_paths"`

	// ConfirmationToken is the sentinel required by confirmation-tier tools.
	ConfirmationToken string `yaml:"confirmation_token" json:"confirmation_token" toml:"confirmation_token"`
}

// DefaultConfig returns the stock forbidden list and token.
func DefaultConfig() Config {
	return Config{
		ForbiddenPaths: []string{
			"C:/Windows",
			"C:/Program Files",
			"C:/ProgramData",
			"/etc",
			"/bin",
			"/sbin",
			"/usr",
			"/boot",
			"/System",
		},
		ConfirmationToken: DefaultConfirmationToken,
	}
}

// Verdict is the outcome of Authorize.
type Verdict struct {
	Allowed bool     `json:"allowed"`
	Code    DenyCode `json:"code,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// String renders a denial as "CODE: reason".
func (v Verdict) String() string {
	if v.Allowed {
		return "ALLOW"
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Reason)
}

// Allow is the permitting verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny builds a refusing verdict.
func Deny(code DenyCode, format string, args ...any) Verdict {
	return Verdict{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Catalog resolves tool definitions for the gate.
type Catalog interface {
	Lookup(name string) (*catalog.Tool, bool)
}

// Authorize decides whether dev may run tool with params. It is pure: the
// same inputs always give the same verdict.
func Authorize(cat Catalog, cfg Config, dev devices.Device, tool string, params map[string]any) Verdict {
	def, ok := cat.Lookup(tool)
	if !ok {
		return Deny(CodeToolNotFound, "tool %q is not in the catalog", tool)
	}
	if !dev.Permissions.AllowsTool(tool) {
		return Deny(CodePermissionDenied, "device %q is not permitted to use tool %q", dev.ID, tool)
	}

	for _, name := range def.PathParams() {
		raw, ok := params[name].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			return Deny(CodePathNotAllowed, "parameter %q must be a non-empty path", name)
		}
		normalized := NormalizePath(raw)
		if prefix, hit := matchForbidden(cfg.ForbiddenPaths, normalized); hit {
			return Deny(CodePathNotAllowed, "path %q is under forbidden location %q", raw, prefix)
		}
		if !underAllowed(dev.Permissions.AllowedPaths, normalized) {
			return Deny(CodePathNotAllowed, "path %q is outside the allowed paths of device %q", raw, dev.ID)
		}
	}

	if name, ok := def.AppParam(); ok {
		app, _ := params[name].(string)
		if !dev.Permissions.AllowsApp(app) {
			return Deny(CodeAppNotWhitelisted, "application %q is not whitelisted on device %q", app, dev.ID)
		}
	}

	tier := def.Tier
	if override, ok := dev.Permissions.TierFor(tool); ok {
		tier = override
	}
	if tier == devices.RiskConfirmationRequired {
		token := cfg.ConfirmationToken
		if token == "" {
			token = DefaultConfirmationToken
		}
		if got, _ := params[ConfirmParam].(string); got != token {
			return Deny(CodeConfirmationRequired, "tool %q requires %s=%q", tool, ConfirmParam, token)
		}
	}

	return Allow()
}

// NormalizePath canonicalizes a path for prefix comparison: backslashes
// become slashes, case is folded, duplicate slashes collapse, dot segments
// are resolved and any trailing slash is removed.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.ToLower(p)
	p = path.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func matchForbidden(forbidden []string, normalized string) (string, bool) {
	for _, f := range forbidden {
		prefix := NormalizePath(f)
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(normalized, prefix) {
			return f, true
		}
	}
	return "", false
}

func underAllowed(allowed []string, normalized string) bool {
	for _, a := range allowed {
		prefix := NormalizePath(a)
		switch {
		case prefix == "":
			continue
		case prefix == "/":
			if strings.HasPrefix(normalized, "/") {
				return true
			}
		case normalized == prefix || strings.HasPrefix(normalized, prefix+"/"):
			return true
		}
	}
	return false
}
