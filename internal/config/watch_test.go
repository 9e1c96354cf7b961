package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/orion/internal/devices"
)

func TestPolicyStore(t *testing.T) {
	var empty PolicyStore
	if empty.Gate().ConfirmationToken != "DELETE" {
		t.Errorf("zero store should fall back to defaults, got %+v", empty.Gate())
	}

	cfg := Default()
	store := NewPolicyStore(cfg.Policy)
	perms := store.Permissions("laptop-123", devices.Info{OS: "Linux"})
	if len(perms.AllowedPaths) != 2 || perms.AllowedPaths[0] != "/home" {
		t.Errorf("permissions = %+v", perms)
	}

	updated := cfg.Policy
	updated.ConfirmationToken = "YES"
	store.Store(updated)
	if store.Gate().ConfirmationToken != "YES" {
		t.Errorf("token = %q", store.Gate().ConfirmationToken)
	}

	updated.DefaultPermissions.AllowedTools = []string{"open_app", "group:device"}
	store.Store(updated)
	perms = store.Permissions("laptop-123", devices.Info{OS: "Linux"})
	if got := strings.Join(perms.AllowedTools, ","); got != "open_app,get_device_info,get_running_processes" {
		t.Errorf("expanded tools = %s", got)
	}
}

func TestWatchSkipsInvalidAndReloadsValid(t *testing.T) {
	path := writeConfig(t, "orion.yaml", "policy:\n  confirmation_token: FIRST\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, 20*time.Millisecond, nil, func(cfg *Config) { reloaded <- cfg })
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("policy:\n  confirmation_token: [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("policy:\n  confirmation_token: SECOND\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for got := ""; got != "SECOND"; {
		select {
		case cfg := <-reloaded:
			got = cfg.Policy.ConfirmationToken
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
