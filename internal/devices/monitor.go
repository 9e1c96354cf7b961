package devices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Thresholds define the heartbeat age boundaries between liveness states.
type Thresholds struct {
	// IdleAfter is the age at which a device stops being online.
	IdleAfter time.Duration `yaml:"idle_after"`

	// OfflineAfter is the age past which a device is offline. An age equal
	// to OfflineAfter is still idle.
	OfflineAfter time.Duration `yaml:"offline_after"`
}

// DefaultThresholds returns 60s idle and 300s offline.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleAfter:    60 * time.Second,
		OfflineAfter: 300 * time.Second,
	}
}

// Classify maps a heartbeat age to a liveness state.
func (t Thresholds) Classify(elapsed time.Duration) LivenessState {
	switch {
	case elapsed < t.IdleAfter:
		return StateOnline
	case elapsed <= t.OfflineAfter:
		return StateIdle
	default:
		return StateOffline
	}
}

// Transition records a liveness change observed by a sweep.
type Transition struct {
	DeviceID      string        `json:"device_id"`
	From          LivenessState `json:"from"`
	To            LivenessState `json:"to"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	At            time.Time     `json:"at"`
}

// MonitorConfig configures the liveness monitor.
type MonitorConfig struct {
	SweepInterval time.Duration
	Thresholds    Thresholds
}

// DefaultMonitorConfig returns a 5s sweep with the default thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SweepInterval: 5 * time.Second,
		Thresholds:    DefaultThresholds(),
	}
}

// Monitor periodically reclassifies device liveness. It only changes the
// recorded state; connections are left to the session idle timeout.
type Monitor struct {
	registry *Registry
	config   MonitorConfig
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	listeners []func(Transition)
	cron      *cron.Cron
	stop      chan struct{}
}

// NewMonitor creates a monitor over registry.
func NewMonitor(registry *Registry, config MonitorConfig, logger *slog.Logger) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Thresholds.IdleAfter <= 0 {
		config.Thresholds.IdleAfter = defaults.Thresholds.IdleAfter
	}
	if config.Thresholds.OfflineAfter <= 0 {
		config.Thresholds.OfflineAfter = defaults.Thresholds.OfflineAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "devices.monitor"),
		now:      time.Now,
	}
}

// OnTransition registers fn to be called for every transition, after the
// registry has been updated.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Sweep reclassifies every device at now. Sweeping twice at the same instant
// yields no transitions the second time.
func (m *Monitor) Sweep(now time.Time) []Transition {
	transitions := m.registry.reclassify(now, m.config.Thresholds.Classify)
	if len(transitions) == 0 {
		return nil
	}

	m.mu.Lock()
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	for _, tr := range transitions {
		m.logger.Info("device liveness changed",
			"device_id", tr.DeviceID,
			"from", tr.From,
			"to", tr.To,
			"since_heartbeat", now.Sub(tr.LastHeartbeat).Round(time.Second),
		)
		for _, fn := range listeners {
			fn(tr)
		}
	}
	return transitions
}

// Start schedules the sweep. The schedule stops when ctx is done or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(m.config.SweepInterval), cron.FuncJob(func() {
		m.Sweep(m.now())
	}))
	c.Start()
	m.cron = c
	stop := make(chan struct{})
	m.stop = stop

	go func() {
		select {
		case <-ctx.Done():
			m.stopRun(stop)
		case <-stop:
		}
	}()
	m.logger.Info("liveness monitor started", "interval", m.config.SweepInterval)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	m.stopRun(stop)
}

// stopRun stops the run that owns stop. A run that was already stopped, or
// replaced by a later Start, is left alone.
func (m *Monitor) stopRun(stop chan struct{}) {
	m.mu.Lock()
	if stop == nil || m.stop != stop {
		m.mu.Unlock()
		return
	}
	c := m.cron
	m.cron = nil
	m.stop = nil
	close(stop)
	m.mu.Unlock()
	<-c.Stop().Done()
}
