package devices

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(now time.Time) *Registry {
	r := NewRegistry(nil)
	r.now = func() time.Time { return now }
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(now)

	perms := Permissions{
		AllowedTools: []string{"create_directory"},
		AllowedPaths: []string{"C:/Users"},
	}
	dev, err := r.Register("laptop-123", Info{Hostname: "laptop", OS: "Windows"}, perms)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if dev.State != StateOnline {
		t.Errorf("expected online, got %s", dev.State)
	}
	if !dev.LastHeartbeat.Equal(now) {
		t.Errorf("expected heartbeat %v, got %v", now, dev.LastHeartbeat)
	}

	got, err := r.Lookup("laptop-123")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Hostname != "laptop" || !got.IsWindows() {
		t.Errorf("unexpected device: %+v", got)
	}

	// snapshots must not alias registry state
	got.Permissions.AllowedTools[0] = "delete_file"
	again, _ := r.Lookup("laptop-123")
	if again.Permissions.AllowedTools[0] != "create_directory" {
		t.Errorf("snapshot mutation leaked into registry")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		name string
		id   string
		info Info
	}{
		{"empty id", "", Info{Hostname: "h"}},
		{"blank id", "   ", Info{Hostname: "h"}},
		{"empty hostname", "d1", Info{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.id, tt.info, Permissions{})
			if !errors.Is(err, ErrInvalidRegistration) {
				t.Fatalf("expected ErrInvalidRegistration, got %v", err)
			}
		})
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegisterReplacesRecord(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Register("d1", Info{Hostname: "old"}, Permissions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register("d1", Info{Hostname: "new"}, Permissions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 device, got %d", r.Len())
	}
	dev, _ := r.Lookup("d1")
	if dev.Hostname != "new" {
		t.Errorf("expected hostname new, got %s", dev.Hostname)
	}
}

func TestLookupMissing(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Lookup("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetHeartbeat(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(base)
	if _, err := r.Register("d1", Info{Hostname: "h"}, Permissions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	later := base.Add(30 * time.Second)
	if err := r.SetHeartbeat("d1", later); err != nil {
		t.Fatalf("SetHeartbeat: %v", err)
	}
	// an older heartbeat never moves the clock backwards
	if err := r.SetHeartbeat("d1", base.Add(10*time.Second)); err != nil {
		t.Fatalf("SetHeartbeat: %v", err)
	}
	dev, _ := r.Lookup("d1")
	if !dev.LastHeartbeat.Equal(later) {
		t.Errorf("expected %v, got %v", later, dev.LastHeartbeat)
	}

	if err := r.SetHeartbeat("ghost", later); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestUpdateMetricsClamps(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Register("d1", Info{Hostname: "h"}, Permissions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.UpdateMetrics("d1", Metrics{CPUPercent: 140, MemoryPercent: -3, DiskPercent: 42.5}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	dev, _ := r.Lookup("d1")
	if dev.Metrics == nil {
		t.Fatal("expected metrics")
	}
	if dev.Metrics.CPUPercent != 100 || dev.Metrics.MemoryPercent != 0 || dev.Metrics.DiskPercent != 42.5 {
		t.Errorf("unexpected metrics: %+v", *dev.Metrics)
	}
	if dev.Metrics.CollectedAt.IsZero() {
		t.Error("expected collection time to be stamped")
	}
	if err := r.UpdateMetrics("ghost", Metrics{}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestRemoveAndList(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Register(id, Info{Hostname: id}, Permissions{}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("expected sorted list, got %+v", list)
	}

	if !r.Remove("b") {
		t.Error("expected Remove to report existing record")
	}
	if r.Remove("b") {
		t.Error("expected second Remove to report false")
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 devices, got %d", r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%d", i%16)
			_, _ = r.Register(id, Info{Hostname: id}, Permissions{AllowedTools: []string{"x"}})
			_ = r.SetHeartbeat(id, time.Time{})
			_, _ = r.Lookup(id)
			_ = r.List()
		}(i)
	}
	wg.Wait()
	if r.Len() != 16 {
		t.Errorf("expected 16 devices, got %d", r.Len())
	}
}

func TestDefaultPermissionsByOSFamily(t *testing.T) {
	set := DefaultPermissions()

	win := set.For(Info{Hostname: "w", OS: "Windows"})
	if len(win.AllowedPaths) != 2 || win.AllowedPaths[0] != "C:/Users" {
		t.Errorf("unexpected windows paths: %v", win.AllowedPaths)
	}
	mac := set.For(Info{Hostname: "m", OS: "Darwin"})
	if len(mac.AllowedPaths) != 2 || mac.AllowedPaths[0] != "/home" {
		t.Errorf("unexpected unix paths: %v", mac.AllowedPaths)
	}
	if !win.AllowsTool("get_device_info") || win.AllowsTool("delete_file") {
		t.Errorf("unexpected tool set: %v", win.AllowedTools)
	}
	if !mac.AllowsApp("Chrome") {
		t.Error("expected case-insensitive app match")
	}

	win.AllowedTools[0] = "mutated"
	if set.AllowedTools[0] == "mutated" {
		t.Error("For must copy the default set")
	}
}
