package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/orion/internal/edge"
)

func TestWindowsFriendlyName(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"10.0.26200", "Windows 11 (build 26200)"},
		{"10.0.22000", "Windows 11 (build 22000)"},
		{"10.0.19045", "Windows 10 (build 19045)"},
		{"10.0.21999", "Windows 10 (build 21999)"},
		{"10.0.22631 Build 22631", "Windows 11 (build 22631)"},
		{"unknown", "Windows (version unknown)"},
		{"", "Windows (version unknown)"},
	}
	for _, tt := range tests {
		if got := WindowsFriendlyName(tt.version); got != tt.want {
			t.Errorf("WindowsFriendlyName(%q) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestFormatToolSuccess(t *testing.T) {
	if got := FormatToolSuccess("create_directory", nil); got != "Tool 'create_directory' executed successfully." {
		t.Errorf("empty result = %q", got)
	}
	got := FormatToolSuccess("list_directory", json.RawMessage(`{"count":2}`))
	want := "Tool 'list_directory' executed successfully.\nResult: {\n  \"count\": 2\n}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatDeviceInfoAddsFriendlyName(t *testing.T) {
	raw := json.RawMessage(`{"info":{"os_name":"Windows","os_version":"10.0.26200"}}`)
	got := FormatToolSuccess("get_device_info", raw)
	if !strings.Contains(got, `"os_friendly_name": "Windows 11 (build 26200)"`) {
		t.Errorf("friendly name missing: %s", got)
	}

	linux := FormatToolSuccess("get_device_info", json.RawMessage(`{"info":{"os_name":"Linux","os_version":"6.8"}}`))
	if strings.Contains(linux, "os_friendly_name") {
		t.Errorf("friendly name added for linux: %s", linux)
	}

	other := FormatToolSuccess("read_text_file", json.RawMessage(`{"os_name":"Windows","os_version":"10.0.26200"}`))
	if strings.Contains(other, "os_friendly_name") {
		t.Errorf("friendly name added for other tool: %s", other)
	}
}

func TestFormatToolFailure(t *testing.T) {
	tests := []struct {
		code, reason, want string
	}{
		{"PATH_NOT_ALLOWED", "outside", "Tool 'x' failed.\nError: PATH_NOT_ALLOWED: outside"},
		{"TIMEOUT", "", "Tool 'x' failed.\nError: TIMEOUT"},
		{"", "boom", "Tool 'x' failed.\nError: boom"},
		{"", "", "Tool 'x' failed."},
	}
	for _, tt := range tests {
		if got := FormatToolFailure("x", tt.code, tt.reason); got != tt.want {
			t.Errorf("FormatToolFailure(%q, %q) = %q, want %q", tt.code, tt.reason, got, tt.want)
		}
	}
}

func TestFormatToolResult(t *testing.T) {
	ok := FormatToolResult("t", &edge.ToolResult{Success: true, Result: json.RawMessage(`"done"`)}, nil)
	if ok != "Tool 't' executed successfully.\nResult: \"done\"" {
		t.Errorf("success = %q", ok)
	}
	failed := FormatToolResult("t", &edge.ToolResult{Success: false}, nil)
	if !strings.HasPrefix(failed, "Tool 't' failed.\nError: TOOL_EXECUTION_FAILED") {
		t.Errorf("failure without error = %q", failed)
	}
	timeout := FormatToolResult("t", nil, edge.ErrTimeout)
	if !strings.HasPrefix(timeout, "Tool 't' failed.\nError: TIMEOUT: ") {
		t.Errorf("timeout = %q", timeout)
	}
}
