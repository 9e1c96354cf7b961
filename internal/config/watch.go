package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/tools/catalog"
	"github.com/haasonsaas/orion/internal/tools/policy"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// PolicyStore holds the live policy section. Readers never block and always
// see a complete snapshot.
type PolicyStore struct {
	current atomic.Pointer[PolicyConfig]
}

// NewPolicyStore returns a store seeded with p.
func NewPolicyStore(p PolicyConfig) *PolicyStore {
	s := &PolicyStore{}
	s.Store(p)
	return s
}

// Store replaces the live policy.
func (s *PolicyStore) Store(p PolicyConfig) {
	s.current.Store(&p)
}

// Load returns the live policy.
func (s *PolicyStore) Load() PolicyConfig {
	if p := s.current.Load(); p != nil {
		return *p
	}
	var p PolicyConfig
	applyPolicyDefaults(&p)
	return p
}

// Gate returns the gate configuration derived from the live policy.
func (s *PolicyStore) Gate() policy.Config {
	return s.Load().Gate()
}

// Permissions returns the permission record for a newly registered device.
// Group entries in the allowed tools are expanded against the catalog.
func (s *PolicyStore) Permissions(_ string, info devices.Info) devices.Permissions {
	perms := s.Load().DefaultPermissions.For(info)
	perms.AllowedTools = policy.ExpandGroups(catalog.Default(), perms.AllowedTools)
	return perms
}

// Watch reloads path whenever it changes and passes every configuration that
// loads and validates to fn. Invalid edits are logged and skipped so the
// last good configuration stays in effect. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config)) error {
	return watch(ctx, path, DefaultWatchDebounce, logger, fn)
}

func watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.watch")

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors that save by rename replace the inode.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		cfg, err := Load(absPath)
		if err != nil {
			logger.Warn("config reload rejected", "path", absPath, "error", err)
			return
		}
		logger.Info("config reloaded", "path", absPath)
		fn(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		}
	}
}
