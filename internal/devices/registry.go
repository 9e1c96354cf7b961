package devices

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidRegistration is returned when required identity fields are absent.
	ErrInvalidRegistration = errors.New("invalid registration")

	// ErrNotFound is returned by Lookup for an unregistered id.
	ErrNotFound = errors.New("device not found")

	// ErrUnknownDevice is returned by heartbeat and metric updates for an id
	// that is not registered. Callers should ask the device to re-register.
	ErrUnknownDevice = errors.New("unknown device")
)

const shardCount = 32

type registryShard struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// Registry is the in-memory store of connected devices. Access is serialized
// per shard, so operations on different devices rarely contend.
type Registry struct {
	shards [shardCount]registryShard
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		now:    time.Now,
		logger: logger.With("component", "devices.registry"),
	}
	for i := range r.shards {
		r.shards[i].devices = make(map[string]*Device)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id)) //nolint:errcheck
	return &r.shards[h.Sum32()%shardCount]
}

// Register creates or replaces the record for id. A repeated registration
// overwrites every attribute and starts a fresh record.
func (r *Registry) Register(id string, info Info, perms Permissions) (Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Device{}, fmt.Errorf("%w: device_id is required", ErrInvalidRegistration)
	}
	if strings.TrimSpace(info.Hostname) == "" {
		return Device{}, fmt.Errorf("%w: hostname is required", ErrInvalidRegistration)
	}

	now := r.now()
	dev := &Device{
		ID:            id,
		Info:          info,
		Permissions:   perms.Clone(),
		RegisteredAt:  now,
		LastHeartbeat: now,
		State:         StateOnline,
	}
	dev.Capabilities = maps.Clone(info.Capabilities)
	dev.Metadata = maps.Clone(info.Metadata)

	s := r.shard(id)
	s.mu.Lock()
	_, replaced := s.devices[id]
	s.devices[id] = dev
	snapshot := dev.clone()
	s.mu.Unlock()

	r.logger.Debug("device registered", "device_id", id, "hostname", info.Hostname, "replaced", replaced)
	return snapshot, nil
}

// Lookup returns a snapshot of the device.
func (r *Registry) Lookup(id string) (Device, error) {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return dev.clone(), nil
}

// SetHeartbeat records a heartbeat. A zero ts means now.
func (r *Registry) SetHeartbeat(id string, ts time.Time) error {
	if ts.IsZero() {
		ts = r.now()
	}
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if ts.After(dev.LastHeartbeat) {
		dev.LastHeartbeat = ts
	}
	return nil
}

// UpdateMetrics stores the latest resource snapshot for a device.
func (r *Registry) UpdateMetrics(id string, m Metrics) error {
	m = m.Clamp()
	if m.CollectedAt.IsZero() {
		m.CollectedAt = r.now()
	}
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	dev.Metrics = &m
	return nil
}

// Remove deletes the device record. It reports whether a record existed.
func (r *Registry) Remove(id string) bool {
	s := r.shard(id)
	s.mu.Lock()
	_, ok := s.devices[id]
	delete(s.devices, id)
	s.mu.Unlock()

	if ok {
		r.logger.Debug("device removed", "device_id", id)
	}
	return ok
}

// List returns snapshots of all devices sorted by id.
func (r *Registry) List() []Device {
	var out []Device
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, dev := range s.devices {
			out = append(out, dev.clone())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Counts returns the number of devices in each liveness state.
func (r *Registry) Counts() map[LivenessState]int {
	counts := map[LivenessState]int{
		StateOnline:  0,
		StateIdle:    0,
		StateOffline: 0,
	}
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, dev := range s.devices {
			counts[dev.State]++
		}
		s.mu.RUnlock()
	}
	return counts
}

// reclassify recomputes every device's state at now and returns the changes.
// Each shard is updated under its write lock so a heartbeat cannot interleave
// with the read-compute-write of a single device.
func (r *Registry) reclassify(now time.Time, classify func(time.Duration) LivenessState) []Transition {
	var transitions []Transition
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, dev := range s.devices {
			next := classify(now.Sub(dev.LastHeartbeat))
			if next == dev.State {
				continue
			}
			transitions = append(transitions, Transition{
				DeviceID:      dev.ID,
				From:          dev.State,
				To:            next,
				LastHeartbeat: dev.LastHeartbeat,
				At:            now,
			})
			dev.State = next
		}
		s.mu.Unlock()
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].DeviceID < transitions[j].DeviceID })
	return transitions
}
