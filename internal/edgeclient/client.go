// Package edgeclient is the device side of the Orion protocol: it connects
// to the core, registers, keeps the session alive with heartbeats and runs
// dispatched tool calls through a local Executor.
package edgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orion/internal/backoff"
	"github.com/haasonsaas/orion/pkg/protocol"
)

var (
	// ErrSuperseded is returned by Run when the core closed the session
	// because another connection registered the same device id.
	ErrSuperseded = errors.New("session superseded by another connection")

	// ErrRejected is returned when the core refuses the registration.
	ErrRejected = errors.New("registration rejected")

	errServerDisconnect = errors.New("disconnected by core")
	errReregister       = errors.New("core asked to re-register")
)

const (
	writeWait         = 10 * time.Second
	supersededReason  = "superseded"
	defaultMaxPending = 8
)

// Config configures a Client.
type Config struct {
	// URL is the core websocket endpoint, e.g. ws://core:8080/ws.
	URL string `yaml:"url"`

	DeviceID  string `yaml:"device_id"`
	Hostname  string `yaml:"hostname"`
	OS        string `yaml:"os"`
	OSVersion string `yaml:"os_version"`

	// HeartbeatInterval is how often heartbeats are sent.
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HandshakeTimeout bounds dialing and waiting for device_registered.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxConcurrent bounds tool calls executing at once.
	// Default: 8
	MaxConcurrent int `yaml:"max_concurrent"`

	// Reconnect controls the delay between connection attempts.
	Reconnect backoff.Policy `yaml:"reconnect"`
}

// DefaultConfig returns a configuration for this host.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		OS:                runtime.GOOS,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxConcurrent:     defaultMaxPending,
		Reconnect:         backoff.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Hostname == "" {
		c.Hostname = c.DeviceID
	}
	if c.OS == "" {
		c.OS = d.OS
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics sets the heartbeat metrics source. Without one, heartbeats
// carry no metrics.
func WithMetrics(src MetricsSource) Option {
	return func(c *Client) { c.metrics = src }
}

// WithCapabilities sets the capabilities announced at registration.
func WithCapabilities(caps map[string]any) Option {
	return func(c *Client) { c.capabilities = caps }
}

// Client maintains one session with the core at a time.
type Client struct {
	config       Config
	executor     Executor
	metrics      MetricsSource
	capabilities map[string]any
	logger       *slog.Logger
	dialer       *websocket.Dialer

	mu          sync.Mutex
	permissions protocol.Permissions
	connected   bool
}

// New creates a client. Run starts it.
func New(config Config, executor Executor, logger *slog.Logger, opts ...Option) (*Client, error) {
	if config.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	c := &Client{
		config:   config,
		executor: executor,
		logger:   logger.With("component", "edgeclient", "device_id", config.DeviceID),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Permissions returns the permission record from the last registration.
func (c *Client) Permissions() protocol.Permissions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permissions
}

// Connected reports whether a registered session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and serves sessions until ctx is done, reconnecting with
// backoff after every failure. It returns ctx.Err() on cancellation and
// ErrSuperseded when another connection took over the device id.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := c.session(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrSuperseded) {
			c.logger.Warn("session superseded; not reconnecting")
			return err
		}
		if registered {
			attempt = 0
		}
		attempt++
		delay := c.config.Reconnect.Delay(attempt)
		c.logger.Warn("session ended; reconnecting", "error", err, "attempt", attempt, "delay", delay)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection. registered reports whether the handshake
// completed, which resets the backoff.
func (c *Client) session(ctx context.Context) (registered bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.config.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	if err := c.register(ws); err != nil {
		return false, err
	}
	c.setConnected(true)
	defer c.setConnected(false)

	// Cancel the session before waiting on its goroutines.
	var wg sync.WaitGroup
	defer wg.Wait()
	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-sessCtx.Done()
		// Unblocks the read loop.
		_ = conn.Close() //nolint:errcheck
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessCtx, ws)
	}()

	sem := make(chan struct{}, c.config.MaxConcurrent)
	readTimeout := 3 * c.config.HeartbeatInterval
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		switch frame := f.(type) {
		case *protocol.ToolExecute:
			select {
			case sem <- struct{}{}:
			case <-sessCtx.Done():
				return true, sessCtx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.execute(sessCtx, ws, frame)
			}()
		case *protocol.SystemCommand:
			switch frame.Command {
			case protocol.CommandDisconnect:
				if frame.Reason == supersededReason {
					return true, ErrSuperseded
				}
				return true, fmt.Errorf("%w: %s", errServerDisconnect, frame.Reason)
			case protocol.CommandReregister:
				return true, errReregister
			default:
				c.logger.Warn("unknown system command", "command", frame.Command)
			}
		case *protocol.HeartbeatAck:
			c.logger.Debug("heartbeat acknowledged")
		case *protocol.Error:
			c.logger.Warn("core reported an error", "code", frame.ErrorCode, "message", frame.Message)
		default:
			c.logger.Debug("ignoring frame", "type", f.FrameType())
		}
	}
}

func (c *Client) register(ws *wsConn) error {
	reg := &protocol.DeviceRegister{
		DeviceID:     c.config.DeviceID,
		Hostname:     c.config.Hostname,
		OS:           c.config.OS,
		OSVersion:    c.config.OSVersion,
		Capabilities: c.capabilities,
		Metadata:     map[string]any{"tools": c.executor.Tools()},
	}
	if err := ws.write(reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	_ = ws.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)) //nolint:errcheck
	_, raw, err := ws.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registration: %w", err)
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("await registration: %w", err)
	}
	switch frame := f.(type) {
	case *protocol.DeviceRegistered:
		c.mu.Lock()
		c.permissions = frame.Permissions
		c.mu.Unlock()
		c.logger.Info("registered with core",
			"url", c.config.URL,
			"allowed_tools", frame.Permissions.AllowedTools,
		)
		return nil
	case *protocol.Error:
		return fmt.Errorf("%w: %s: %s", ErrRejected, frame.ErrorCode, frame.Message)
	default:
		return fmt.Errorf("%w: unexpected %s frame", ErrRejected, f.FrameType())
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := ws.write(c.heartbeat(ctx)); err != nil {
			c.logger.Debug("heartbeat failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) *protocol.DeviceHeartbeat {
	hb := &protocol.DeviceHeartbeat{DeviceID: c.config.DeviceID, Timestamp: protocol.Now()}
	if c.metrics == nil {
		return hb
	}
	snap, err := c.metrics.Snapshot(ctx)
	if err != nil {
		c.logger.Debug("metrics unavailable", "error", err)
		return hb
	}
	hb.Metadata = snap.Metadata()
	return hb
}

func (c *Client) execute(ctx context.Context, ws *wsConn, call *protocol.ToolExecute) {
	timeout := time.Duration(call.TimeoutSec * float64(time.Second))
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.executor.Execute(execCtx, call.Tool, call.Parameters)
	res := &protocol.ToolResult{
		DeviceID:   c.config.DeviceID,
		ToolCallID: call.ToolCallID,
		ExecutedAt: protocol.Now(),
	}
	if err == nil {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			err = fmt.Errorf("encode result: %w", mErr)
		} else {
			res.Success = true
			res.Result = raw
		}
	}
	if err != nil {
		res.Error = toolError(execCtx, err)
	}

	c.logger.Info("tool executed",
		"tool", call.Tool,
		"tool_call_id", call.ToolCallID,
		"success", res.Success,
		"duration", time.Since(start),
	)
	if ctx.Err() != nil {
		return
	}
	if err := ws.write(res); err != nil {
		c.logger.Warn("failed to send tool result", "tool_call_id", call.ToolCallID, "error", err)
	}
}

func toolError(ctx context.Context, err error) *protocol.ToolError {
	var failure *ToolFailure
	switch {
	case errors.As(err, &failure):
		return &protocol.ToolError{Code: string(failure.Code), Message: failure.Message}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &protocol.ToolError{Code: string(protocol.CodeTimeout), Message: err.Error()}
	default:
		return &protocol.ToolError{Code: string(protocol.CodeToolExecutionFailed), Message: err.Error()}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
