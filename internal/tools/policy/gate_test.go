package policy

import (
	"testing"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/tools/catalog"
)

func laptop() devices.Device {
	return devices.Device{
		ID:   "laptop-123",
		Info: devices.Info{Hostname: "laptop", OS: "Windows"},
		Permissions: devices.Permissions{
			AllowedTools: []string{"create_directory", "delete_file", "open_app", "copy_file", "delete_directory"},
			AllowedPaths: []string{"C:/Users/njsch"},
			AllowedApps:  []string{"chrome", "code"},
		},
	}
}

func TestAuthorizeLaptopScenario(t *testing.T) {
	cat := catalog.Default()
	cfg := DefaultConfig()

	v := Authorize(cat, cfg, laptop(), "create_directory", map[string]any{"path": "C:/Users/njsch/Test"})
	if !v.Allowed {
		t.Fatalf("expected allow, got %s", v)
	}

	v = Authorize(cat, cfg, laptop(), "create_directory", map[string]any{"path": "C:/Windows/Test"})
	if v.Allowed || v.Code != CodePathNotAllowed {
		t.Fatalf("expected PATH_NOT_ALLOWED, got %s", v)
	}
}

func TestAuthorizeRules(t *testing.T) {
	cat := catalog.Default()
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		tool   string
		params map[string]any
		want   DenyCode
	}{
		{"unknown tool", "format_disk", nil, CodeToolNotFound},
		{"tool not permitted", "read_text_file", map[string]any{"path": "C:/Users/njsch/a.txt"}, CodePermissionDenied},
		{"backslash path allowed", "create_directory", map[string]any{"path": `c:\users\NJSCH\docs`}, ""},
		{"trailing slash allowed", "create_directory", map[string]any{"path": "C:/Users/njsch/"}, ""},
		{"double slash allowed", "create_directory", map[string]any{"path": "C://Users//njsch//x"}, ""},
		{"sibling prefix denied", "create_directory", map[string]any{"path": "C:/Users/njschmidt/x"}, CodePathNotAllowed},
		{"dotdot escape denied", "create_directory", map[string]any{"path": "C:/Users/njsch/../../Windows/x"}, CodePathNotAllowed},
		{"missing path denied", "create_directory", map[string]any{}, CodePathNotAllowed},
		{"non-string path denied", "create_directory", map[string]any{"path": 7}, CodePathNotAllowed},
		{"second path checked", "copy_file", map[string]any{"source_path": "C:/Users/njsch/a", "destination_path": "D:/b"}, CodePathNotAllowed},
		{"app whitelisted", "open_app", map[string]any{"app_name": "Chrome"}, ""},
		{"app not whitelisted", "open_app", map[string]any{"app_name": "regedit"}, CodeAppNotWhitelisted},
		{"confirmation missing", "delete_file", map[string]any{"path": "C:/Users/njsch/a.txt"}, CodeConfirmationRequired},
		{"confirmation wrong", "delete_file", map[string]any{"path": "C:/Users/njsch/a.txt", "confirm": "yes"}, CodeConfirmationRequired},
		{"confirmation given", "delete_file", map[string]any{"path": "C:/Users/njsch/a.txt", "confirm": "DELETE"}, ""},
		{"dangerous without tier", "delete_directory", map[string]any{"path": "C:/Users/njsch/old"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Authorize(cat, cfg, laptop(), tt.tool, tt.params)
			if tt.want == "" {
				if !v.Allowed {
					t.Fatalf("expected allow, got %s", v)
				}
				return
			}
			if v.Allowed || v.Code != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, v)
			}
		})
	}
}

func TestForbiddenDominatesAllowed(t *testing.T) {
	dev := laptop()
	dev.Permissions.AllowedPaths = []string{"C:/"}
	cfg := DefaultConfig()

	v := Authorize(catalog.Default(), cfg, dev, "create_directory", map[string]any{"path": "C:/Users/x"})
	if !v.Allowed {
		t.Fatalf("expected allow under C:/, got %s", v)
	}
	for _, p := range []string{"C:/Windows/System32", `c:\program files (x86)\app`, "C:/ProgramData"} {
		v := Authorize(catalog.Default(), cfg, dev, "create_directory", map[string]any{"path": p})
		if v.Allowed || v.Code != CodePathNotAllowed {
			t.Errorf("%s: expected forbidden, got %s", p, v)
		}
	}
}

func TestDeviceTierOverride(t *testing.T) {
	dev := laptop()
	dev.Permissions.RiskTiers = map[string]devices.RiskTier{
		"delete_directory": devices.RiskConfirmationRequired,
		"delete_file":      devices.RiskNone,
	}
	cfg := Config{ConfirmationToken: "YES-REALLY"}

	v := Authorize(catalog.Default(), cfg, dev, "delete_directory", map[string]any{"path": "C:/Users/njsch/old", "confirm": "DELETE"})
	if v.Code != CodeConfirmationRequired {
		t.Fatalf("expected custom token to be required, got %s", v)
	}
	v = Authorize(catalog.Default(), cfg, dev, "delete_directory", map[string]any{"path": "C:/Users/njsch/old", "confirm": "YES-REALLY"})
	if !v.Allowed {
		t.Fatalf("expected allow with custom token, got %s", v)
	}
	v = Authorize(catalog.Default(), cfg, dev, "delete_file", map[string]any{"path": "C:/Users/njsch/a"})
	if !v.Allowed {
		t.Fatalf("expected override to drop confirmation, got %s", v)
	}
}

func TestAuthorizeDeterministic(t *testing.T) {
	params := map[string]any{"path": "C:/Windows/Test"}
	first := Authorize(catalog.Default(), DefaultConfig(), laptop(), "create_directory", params)
	for i := 0; i < 50; i++ {
		if got := Authorize(catalog.Default(), DefaultConfig(), laptop(), "create_directory", params); got != first {
			t.Fatalf("verdict changed on run %d: %s vs %s", i, got, first)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		`C:\Users\Me\`:     "c:/users/me",
		"/home//me/./docs": "/home/me/docs",
		"/":                "/",
		"":                 "",
		"C:/":              "c:",
		"/a/b/../c":        "/a/c",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
