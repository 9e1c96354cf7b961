package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orion/pkg/protocol"
)

// ErrSessionClosed is returned when enqueueing on a closed session.
var ErrSessionClosed = errors.New("session closed")

var errEnqueueAborted = errors.New("enqueue aborted")

const wsWriteWait = 10 * time.Second

// SessionState is the lifecycle state of a device connection.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateRegistered
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one device connection. A single reader goroutine handles
// inbound frames and a single writer drains the outbound queue in order.
type Session struct {
	id          string
	conn        Conn
	manager     *Manager
	remoteAddr  string
	connectedAt time.Time
	logger      *slog.Logger

	state    atomic.Int32
	mu       sync.RWMutex
	deviceID string
	ended    bool

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

func newSession(m *Manager, conn Conn, remoteAddr string) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		manager:     m,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, m.config.SendQueueSize),
		closed:      make(chan struct{}),
	}
	s.logger = m.logger.With("session_id", s.id, "remote", remoteAddr)
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// DeviceID returns the bound device id, empty before registration.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// ConnectedAt returns when the websocket was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// run serves the connection until it closes.
func (s *Session) run() {
	s.state.Store(int32(StateOpen))
	go s.writeLoop()
	s.readLoop()
}

// Enqueue appends a frame to the outbound queue. It blocks while the queue is
// full and fails once the session is closing.
func (s *Session) Enqueue(f protocol.Frame) error {
	return s.EnqueueContext(context.Background(), f, nil)
}

// EnqueueContext is Enqueue that also stops waiting for queue space when ctx
// is done or abort is closed. It returns ctx.Err() or errEnqueueAborted then.
func (s *Session) EnqueueContext(ctx context.Context, f protocol.Frame, abort <-chan struct{}) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		s.manager.hooks.frame("out", f.FrameType())
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errEnqueueAborted
	}
}

func (s *Session) sendError(code protocol.ErrorCode, message string, details map[string]any) {
	if err := s.Enqueue(protocol.NewError(code, message, details)); err != nil {
		s.logger.Debug("failed to send error frame", "code", code, "error", err)
	}
}

// Shutdown sends a disconnect command, flushes the queue and closes.
func (s *Session) Shutdown(reason string) {
	if !s.state.CompareAndSwap(int32(StateRegistered), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	s.reason.Store(reason)

	data, err := protocol.Encode(&protocol.SystemCommand{Command: protocol.CommandDisconnect, Reason: reason})
	if err == nil {
		select {
		case s.send <- data:
		case <-s.closed:
			return
		case <-time.After(wsWriteWait):
		}
	}
	// A nil entry tells the writer to close once everything before it is out.
	select {
	case s.send <- nil:
	case <-s.closed:
	case <-time.After(wsWriteWait):
		s.close(reason)
	}
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if s.reason.Load() == nil {
			s.reason.Store(reason)
		}
		close(s.closed)
		_ = s.conn.Close() //nolint:errcheck
		s.manager.sessionClosed(s, s.reason.Load().(string))
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) readLoop() {
	idle := s.manager.config.IdleTimeout
	s.conn.SetReadLimit(s.manager.config.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := "transport error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "closed by device"
			} else if isTimeout(err) {
				reason = "idle timeout"
			}
			s.logger.Debug("session read ended", "reason", reason, "error", err)
			s.close(reason)
			return
		}
		if s.State() >= StateClosing {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleRaw(data)
	}
}

func (s *Session) writeLoop() {
	ping := time.NewTicker(s.manager.config.pingInterval())
	defer ping.Stop()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			if msg == nil {
				deadline := time.Now().Add(wsWriteWait)
				_ = s.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				s.close("shutdown")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("session write failed", "error", err)
				s.close("transport error")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.close("transport error")
				return
			}
		}
	}
}

func (s *Session) handleRaw(raw []byte) {
	state := s.State()

	if state == StateOpen {
		if ft, err := protocol.PeekType(raw); err == nil && ft != protocol.TypeDeviceRegister {
			s.manager.hooks.frame("in", ft)
			s.sendError(protocol.CodeUnknownDevice, "device must register before sending "+string(ft), nil)
			if ft == protocol.TypeDeviceHeartbeat {
				_ = s.Enqueue(&protocol.SystemCommand{Command: protocol.CommandReregister, Reason: "not registered"}) //nolint:errcheck
			}
			return
		}
	}

	frame, err := protocol.Decode(raw)
	if err != nil {
		s.sendError(protocol.CodeInvalidMessage, err.Error(), nil)
		return
	}
	s.manager.hooks.frame("in", frame.FrameType())

	switch f := frame.(type) {
	case *protocol.DeviceRegister:
		s.manager.handleRegister(s, f)
	case *protocol.DeviceHeartbeat:
		s.manager.handleHeartbeat(s, f)
	case *protocol.ToolResult:
		s.manager.handleToolResult(s, f)
	case *protocol.Event:
		s.manager.handleEvent(s, f)
	case *protocol.GetTools:
		if err := s.Enqueue(s.manager.catalog.ToolsList()); err != nil {
			s.logger.Debug("failed to send tools list", "error", err)
		}
	default:
		s.sendError(protocol.CodeInvalidMessage, fmt.Sprintf("frame type %s is not accepted from devices", frame.FrameType()), nil)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
