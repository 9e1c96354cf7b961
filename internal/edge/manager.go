// Package edge manages device connections for the Orion core.
//
// Each device holds one websocket to the core. The Manager accepts the
// connection, runs the registration handshake, keeps the device registry in
// step with live sessions and correlates tool_execute frames with the
// tool_result frames that answer them.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────┐
//	│                         Orion Core                         │
//	│  ┌──────────────────────────────────────────────────────┐  │
//	│  │                     edge.Manager                     │  │
//	│  │  - session table (device id -> live session)         │  │
//	│  │  - pending table (tool_call_id -> waiting caller)    │  │
//	│  │  - registry sync, heartbeats, events                 │  │
//	│  └──────────────────────────────────────────────────────┘  │
//	└─────────────────────────────┬──────────────────────────────┘
//	                              │ websocket, JSON frames
//	             ┌────────────────┼────────────────┐
//	             │                │                │
//	       ┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	       │  Laptop   │    │  Desktop  │    │  Server   │
//	       └───────────┘    └───────────┘    └───────────┘
//
// A device id maps to at most one live session. A newer registration for the
// same id supersedes the older session, which is told to disconnect.
package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/tools/catalog"
	"github.com/haasonsaas/orion/pkg/protocol"
)

// ManagerConfig configures the edge manager.
type ManagerConfig struct {
	// HeartbeatInterval is how often devices are expected to send heartbeats.
	HeartbeatInterval time.Duration

	// IdleTimeout closes a session that sends nothing, not even a pong.
	IdleTimeout time.Duration

	// DefaultToolTimeout bounds Dispatch when the caller passes no timeout.
	DefaultToolTimeout time.Duration

	// SendQueueSize is the outbound frame queue length per session.
	SendQueueSize int

	// MaxFrameBytes limits inbound frame size.
	MaxFrameBytes int64
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval:  30 * time.Second,
		IdleTimeout:        90 * time.Second,
		DefaultToolTimeout: 10 * time.Second,
		SendQueueSize:      64,
		MaxFrameBytes:      1 << 20,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = d.DefaultToolTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

func (c ManagerConfig) pingInterval() time.Duration {
	return c.IdleTimeout * 9 / 10
}

// Hooks receive notifications from the manager. Every field is optional and
// is called without manager locks held.
type Hooks struct {
	OnRegister   func(dev devices.Device, replaced bool)
	OnReject     func(deviceID string, err error)
	OnDisconnect func(deviceID, reason string)
	OnHeartbeat  func(deviceID string)
	OnEvent      func(deviceID string, ev *protocol.Event)
	OnDispatch   func(call *PendingCall)
	OnSettle     func(call *PendingCall, res *ToolResult, err error)
	OnLateResult func(callID, deviceID string)
	OnFrame      func(direction string, ft protocol.FrameType)
}

func (h Hooks) frame(direction string, ft protocol.FrameType) {
	if h.OnFrame != nil {
		h.OnFrame(direction, ft)
	}
}

// PermissionResolver picks the permission record for a registering device.
type PermissionResolver func(deviceID string, info devices.Info) devices.Permissions

// Option configures a Manager.
type Option func(*Manager)

// WithHooks installs notification hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithPermissions overrides how new devices get their permissions.
func WithPermissions(fn PermissionResolver) Option {
	return func(m *Manager) {
		if fn != nil {
			m.permissions = fn
		}
	}
}

// Manager coordinates device sessions and tool dispatch.
type Manager struct {
	config      ManagerConfig
	registry    *devices.Registry
	catalog     *catalog.Catalog
	pending     *PendingTable
	sessions    *shardSet[*Session]
	permissions PermissionResolver
	hooks       Hooks
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewManager creates a manager over registry.
func NewManager(config ManagerConfig, registry *devices.Registry, cat *catalog.Catalog, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	defaults := devices.DefaultPermissions()
	m := &Manager{
		config:   config.withDefaults(),
		registry: registry,
		catalog:  cat,
		pending:  NewPendingTable(),
		sessions: newShardSet[*Session](),
		permissions: func(_ string, info devices.Info) devices.Permissions {
			return defaults.For(info)
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "edge.manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pending.onSettle = func(call *PendingCall, res *ToolResult, err error) {
		if m.hooks.OnSettle != nil {
			m.hooks.OnSettle(call, res, err)
		}
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() ManagerConfig { return m.config }

// Pending exposes the correlation table.
func (m *Manager) Pending() *PendingTable { return m.pending }

// ServeHTTP upgrades the request to a websocket and serves the session until
// it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	m.HandleConnect(conn, r.RemoteAddr)
}

// HandleConnect serves an accepted connection. It returns when the session
// has closed.
func (m *Manager) HandleConnect(conn Conn, remoteAddr string) {
	s := newSession(m, conn, remoteAddr)
	s.logger.Debug("device connection opened")
	s.run()
}

func (m *Manager) handleRegister(s *Session, reg *protocol.DeviceRegister) {
	if bound := s.DeviceID(); bound != "" && bound != reg.DeviceID {
		s.sendError(protocol.CodeInvalidMessage,
			fmt.Sprintf("session is bound to %s and cannot register %s", bound, reg.DeviceID), nil)
		return
	}

	info := devices.Info{
		Hostname:     reg.Hostname,
		OS:           reg.OS,
		OSVersion:    reg.OSVersion,
		Capabilities: reg.Capabilities,
		Metadata:     reg.Metadata,
	}
	perms := m.permissions(reg.DeviceID, info)

	sh := m.sessions.get(reg.DeviceID)
	sh.mu.Lock()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		sh.mu.Unlock()
		return
	}
	dev, err := m.registry.Register(reg.DeviceID, info, perms)
	if err != nil {
		s.mu.Unlock()
		sh.mu.Unlock()
		s.sendError(protocol.CodeInvalidMessage, err.Error(), nil)
		if m.hooks.OnReject != nil {
			m.hooks.OnReject(reg.DeviceID, err)
		}
		return
	}
	prev := sh.m[reg.DeviceID]
	sh.m[reg.DeviceID] = s
	s.deviceID = reg.DeviceID
	s.state.CompareAndSwap(int32(StateOpen), int32(StateRegistered))
	s.mu.Unlock()
	sh.mu.Unlock()

	replaced := prev != nil && prev != s
	if replaced {
		prev.logger.Info("session superseded by newer registration", "device_id", reg.DeviceID)
		go prev.Shutdown("superseded")
	}

	if err := s.Enqueue(&protocol.DeviceRegistered{
		DeviceID: dev.ID,
		Permissions: protocol.Permissions{
			AllowedTools: nonNil(dev.Permissions.AllowedTools),
			AllowedPaths: nonNil(dev.Permissions.AllowedPaths),
			AllowedApps:  nonNil(dev.Permissions.AllowedApps),
		},
	}); err != nil {
		s.logger.Debug("failed to acknowledge registration", "error", err)
	}

	m.logger.Info("device registered",
		"device_id", dev.ID,
		"hostname", dev.Hostname,
		"os", dev.OS,
		"session_id", s.id,
		"replaced", replaced,
	)
	if m.hooks.OnRegister != nil {
		m.hooks.OnRegister(dev, replaced)
	}
}

func (m *Manager) handleHeartbeat(s *Session, hb *protocol.DeviceHeartbeat) {
	deviceID := s.DeviceID()
	if hb.DeviceID != "" && hb.DeviceID != deviceID {
		s.sendError(protocol.CodeInvalidMessage,
			fmt.Sprintf("heartbeat for %s on session bound to %s", hb.DeviceID, deviceID), nil)
		return
	}

	// Liveness uses server receive time; device clocks are not trusted.
	if err := m.registry.SetHeartbeat(deviceID, time.Time{}); err != nil {
		if errors.Is(err, devices.ErrUnknownDevice) {
			_ = s.Enqueue(&protocol.SystemCommand{Command: protocol.CommandReregister, Reason: "unknown device"}) //nolint:errcheck
			return
		}
		m.logger.Warn("heartbeat update failed", "device_id", deviceID, "error", err)
		return
	}
	if metrics, ok := metricsFromMetadata(hb.Metadata); ok {
		_ = m.registry.UpdateMetrics(deviceID, metrics) //nolint:errcheck
	}
	if err := s.Enqueue(&protocol.HeartbeatAck{Timestamp: protocol.Now()}); err != nil {
		s.logger.Debug("failed to acknowledge heartbeat", "error", err)
	}
	if m.hooks.OnHeartbeat != nil {
		m.hooks.OnHeartbeat(deviceID)
	}
}

func (m *Manager) handleToolResult(s *Session, f *protocol.ToolResult) {
	deviceID := s.DeviceID()
	if f.DeviceID == "" {
		f.DeviceID = deviceID
	}
	if f.DeviceID != deviceID {
		s.sendError(protocol.CodeInvalidMessage,
			fmt.Sprintf("tool result for %s on session bound to %s", f.DeviceID, deviceID), nil)
		return
	}

	err := m.pending.Resolve(f.ToolCallID, deviceID, resultFromFrame(f))
	switch {
	case err == nil:
	case errors.Is(err, ErrCallNotPending):
		m.logger.Debug("late or duplicate tool result ignored",
			"tool_call_id", f.ToolCallID,
			"device_id", deviceID,
		)
		if m.hooks.OnLateResult != nil {
			m.hooks.OnLateResult(f.ToolCallID, deviceID)
		}
	default:
		m.logger.Warn("tool result rejected",
			"tool_call_id", f.ToolCallID,
			"device_id", deviceID,
			"error", err,
		)
	}
}

func (m *Manager) handleEvent(s *Session, ev *protocol.Event) {
	if ev.DeviceID == "" {
		ev.DeviceID = s.DeviceID()
	}
	m.logger.Debug("device event",
		"device_id", ev.DeviceID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
	)
	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(ev.DeviceID, ev)
	}
}

// sessionClosed runs once per session after its connection is closed.
func (m *Manager) sessionClosed(s *Session, reason string) {
	failed := m.pending.FailSession(s.id, ErrDeviceDisconnected)

	s.mu.Lock()
	s.ended = true
	deviceID := s.deviceID
	s.mu.Unlock()

	current := false
	if deviceID != "" {
		sh := m.sessions.get(deviceID)
		sh.mu.Lock()
		if sh.m[deviceID] == s {
			delete(sh.m, deviceID)
			m.registry.Remove(deviceID)
			current = true
		}
		sh.mu.Unlock()
	}

	s.logger.Info("device session closed",
		"device_id", deviceID,
		"reason", reason,
		"failed_calls", failed,
		"deregistered", current,
	)
	if current && m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(deviceID, reason)
	}
}

// Session returns the live session for a device.
func (m *Manager) Session(deviceID string) (*Session, bool) {
	sh := m.sessions.get(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.m[deviceID]
	return s, ok
}

// SessionInfo describes a live session.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	State       string    `json:"state"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Sessions lists registered sessions sorted by device id.
func (m *Manager) Sessions() []SessionInfo {
	var out []SessionInfo
	m.sessions.each(func(deviceID string, s *Session) {
		out = append(out, SessionInfo{
			SessionID:   s.id,
			DeviceID:    deviceID,
			State:       s.State().String(),
			RemoteAddr:  s.remoteAddr,
			ConnectedAt: s.connectedAt,
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Dispatch sends a tool call to a device and waits for its outcome. A device
// that reports failure yields a result with Success false and a nil error;
// the error return is reserved for timeouts, disconnects and cancellation.
func (m *Manager) Dispatch(ctx context.Context, deviceID, tool string, params map[string]any, timeout time.Duration) (*ToolResult, error) {
	s, ok := m.Session(deviceID)
	if !ok || s.State() != StateRegistered {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if timeout <= 0 {
		timeout = m.config.DefaultToolTimeout
	}
	if params == nil {
		params = map[string]any{}
	}

	call := NewCall(deviceID, tool, params, timeout)
	call.SessionID = s.id
	if _, err := m.pending.Register(call); err != nil {
		return nil, err
	}
	if m.hooks.OnDispatch != nil {
		m.hooks.OnDispatch(call)
	}

	m.logger.Debug("tool dispatched",
		"tool_call_id", call.ID,
		"tool", tool,
		"device_id", deviceID,
		"timeout", timeout,
	)

	// With a full queue, the call's timer or ctx ends the wait for space.
	err := s.EnqueueContext(ctx, &protocol.ToolExecute{
		ToolCallID: call.ID,
		Tool:       tool,
		Parameters: params,
		TimeoutSec: timeout.Seconds(),
	}, call.Settled())
	if err != nil && !errors.Is(err, errEnqueueAborted) && ctx.Err() == nil {
		_ = m.pending.Fail(call.ID, fmt.Errorf("%w: %v", ErrDeviceDisconnected, err)) //nolint:errcheck
	}
	// The session may have closed between lookup and registration, after its
	// pending calls were already failed.
	if s.State() >= StateClosing {
		_ = m.pending.Fail(call.ID, ErrDeviceDisconnected) //nolint:errcheck
	}

	return call.Wait(ctx)
}

// Disconnect asks a device to disconnect and closes its session.
func (m *Manager) Disconnect(deviceID, reason string) bool {
	s, ok := m.Session(deviceID)
	if !ok {
		return false
	}
	s.Shutdown(reason)
	return true
}

// Close shuts down every session.
func (m *Manager) Close() error {
	var all []*Session
	m.sessions.each(func(_ string, s *Session) { all = append(all, s) })
	for _, s := range all {
		s.Shutdown("server shutdown")
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-time.After(2 * wsWriteWait):
			s.close("server shutdown")
		}
	}
	return nil
}

func metricsFromMetadata(meta map[string]any) (devices.Metrics, bool) {
	if len(meta) == 0 {
		return devices.Metrics{}, false
	}
	var m devices.Metrics
	var found bool
	if v, ok := number(meta["cpu_percent"]); ok {
		m.CPUPercent, found = v, true
	}
	if v, ok := number(meta["memory_percent"]); ok {
		m.MemoryPercent, found = v, true
	}
	if v, ok := number(meta["disk_percent"]); ok {
		m.DiskPercent, found = v, true
	}
	return m, found
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
