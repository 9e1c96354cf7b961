package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/gateway"
	"github.com/haasonsaas/orion/internal/tools/policy"
)

func init() {
	color.NoColor = true
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range buildRootCmd().Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "devices", "tools", "chat", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// fakeCore answers the API routes the CLI uses.
func fakeCore(t *testing.T) (*httptest.Server, *[]gateway.ChatRequest) {
	t.Helper()
	var chats []gateway.ChatRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"count": 1,
			"devices": []gateway.DeviceView{{
				Device: devices.Device{
					ID:    "laptop-1",
					Info:  devices.Info{Hostname: "laptop", OS: "Linux"},
					State: devices.StateOnline,
				},
				Connected: true,
			}},
		})
	})
	mux.HandleFunc("GET /api/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown device: " + r.PathValue("id")}) //nolint:errcheck
	})
	mux.HandleFunc("POST /api/tools/execute", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Tool == "delete_file" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(gateway.ExecuteResponse{ //nolint:errcheck
				Verdict: policy.Verdict{Code: policy.CodePermissionDenied, Reason: "tool delete_file is not allowed"},
				Code:    string(policy.CodePermissionDenied),
				Error:   "tool delete_file is not allowed",
			})
			return
		}
		raw, _ := json.Marshal(req.Parameters)
		json.NewEncoder(w).Encode(gateway.ExecuteResponse{ //nolint:errcheck
			Verdict: policy.Verdict{Allowed: true},
			Result:  &edge.ToolResult{Tool: req.Tool, Success: true, Result: raw, Duration: 12 * time.Millisecond},
		})
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		chats = append(chats, req)
		id := req.ConversationID
		if id == "" {
			id = "conv-1"
		}
		json.NewEncoder(w).Encode(agent.TurnResult{ //nolint:errcheck
			ConversationID: id,
			Answer:         "echo: " + req.Message,
			ToolCalls:      []agent.ToolCallRecord{{Tool: "search_files", Verdict: policy.Verdict{Allowed: true}, Success: true}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &chats
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDevicesList(t *testing.T) {
	srv, _ := fakeCore(t)
	out, err := run(t, "", "devices", "list", "--server", srv.URL)
	if err != nil {
		t.Fatalf("devices list error = %v", err)
	}
	if !strings.Contains(out, "laptop-1") || !strings.Contains(out, "Online") {
		t.Errorf("output = %q", out)
	}
}

func TestDevicesShowUnknown(t *testing.T) {
	srv, _ := fakeCore(t)
	_, err := run(t, "", "devices", "show", "ghost", "--server", srv.URL)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 apiError", err)
	}
	if !strings.Contains(apiErr.Message, "ghost") {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestToolsExec(t *testing.T) {
	srv, _ := fakeCore(t)

	out, err := run(t, "", "tools", "exec", "laptop-1", "search_files",
		"--param", "path=/home/me", "--param", "pattern=*.pdf", "--param", "recursive=false", "--server", srv.URL)
	if err != nil {
		t.Fatalf("tools exec error = %v", err)
	}
	if !strings.Contains(out, "OK search_files") || !strings.Contains(out, `"recursive": false`) {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "", "tools", "exec", "laptop-1", "delete_file", "--param", "path=/x", "--server", srv.URL)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("error = %v, want 403", err)
	}
	if !strings.Contains(out, "DENIED PERMISSION_DENIED") {
		t.Errorf("denied output = %q", out)
	}
}

func TestChatPipedInputSharesConversation(t *testing.T) {
	srv, chats := fakeCore(t)
	out, err := run(t, "list my files\n\nnow the pdfs\n/exit\nignored\n", "chat", "--device", "laptop-1", "--server", srv.URL)
	if err != nil {
		t.Fatalf("chat error = %v", err)
	}
	if len(*chats) != 2 {
		t.Fatalf("turns = %d, want 2", len(*chats))
	}
	if (*chats)[0].ConversationID != "" || (*chats)[1].ConversationID != "conv-1" {
		t.Errorf("conversation ids = %q, %q", (*chats)[0].ConversationID, (*chats)[1].ConversationID)
	}
	if !strings.Contains(out, "echo: now the pdfs") || !strings.Contains(out, "[search_files ok]") {
		t.Errorf("output = %q", out)
	}
}

func TestChatOneShot(t *testing.T) {
	srv, chats := fakeCore(t)
	out, err := run(t, "", "chat", "--device", "laptop-1", "--server", srv.URL, "--show-calls=false", "hello", "there")
	if err != nil {
		t.Fatalf("chat error = %v", err)
	}
	if len(*chats) != 1 || (*chats)[0].Message != "hello there" {
		t.Fatalf("chats = %+v", *chats)
	}
	if strings.Contains(out, "search_files") {
		t.Errorf("tool calls printed with --show-calls=false: %q", out)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"path=/a=b", "recursive=true", "limit=5", "ratio=0.5", "name=1x"}, `{"confirm":"DELETE"}`)
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}
	want := map[string]any{
		"path":      "/a=b",
		"recursive": true,
		"limit":     int64(5),
		"ratio":     0.5,
		"name":      "1x",
		"confirm":   "DELETE",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %#v, want %#v", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}, ""); err == nil {
			t.Errorf("parseParams(%q) expected error", bad)
		}
	}
	if _, err := parseParams(nil, "[1]"); err == nil {
		t.Error("expected error for non-object JSON")
	}
}

func TestStateLabel(t *testing.T) {
	tests := map[devices.LivenessState]string{
		devices.StateOnline:  "Online",
		devices.StateIdle:    "Idle",
		devices.StateOffline: "Offline",
	}
	for state, want := range tests {
		if got := stateLabel(state); got != want {
			t.Errorf("stateLabel(%s) = %q, want %q", state, got, want)
		}
	}
}

func TestSince(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := since(now, time.Time{}); got != "never" {
		t.Errorf("since(zero) = %q", got)
	}
	if got := since(now, now.Add(-90*time.Second)); got != "1m30s ago" {
		t.Errorf("since(90s) = %q", got)
	}
}

func TestResolveHTTPBaseURL(t *testing.T) {
	tests := map[string]string{
		"":                    "http://localhost:8080",
		"core:9000":           "http://core:9000",
		"https://core.local/": "https://core.local",
	}
	for in, want := range tests {
		if got := resolveHTTPBaseURL(in); got != want {
			t.Errorf("resolveHTTPBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := run(t, "", "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if _, ok := schema["properties"]; !ok {
		t.Errorf("schema has no properties: %v", schema)
	}
}

func TestConfigValidateRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orion.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n  bogus: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "config", "validate", "--config", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadServeConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, loaded, err := loadServeConfig(defaultConfigName)
	if err != nil || loaded || cfg == nil {
		t.Fatalf("loadServeConfig() = %v, %v, %v", cfg, loaded, err)
	}
	if _, _, err := loadServeConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}
