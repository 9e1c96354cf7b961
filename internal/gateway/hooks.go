package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/pkg/protocol"
)

// Dispatch outcomes used as the metrics label.
const (
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
	outcomeTimeout      = "timeout"
	outcomeDisconnected = "disconnected"
	outcomeCancelled    = "cancelled"
)

// edgeHooks fans edge manager notifications out to metrics, audit and the
// event publisher. Hooks run on session goroutines and must not block.
func (s *Server) edgeHooks() edge.Hooks {
	return edge.Hooks{
		OnRegister: func(dev devices.Device, replaced bool) {
			now := time.Now()
			if _, loaded := s.sessionStart.LoadOrStore(dev.ID, now); loaded {
				if replaced {
					s.sessionStart.Store(dev.ID, now)
				}
				// Re-registration of a tracked device never adds a session.
				replaced = true
			}
			s.metrics.SessionOpened(replaced)

			ctx := context.Background()
			s.audit.DeviceRegistered(ctx, dev, replaced)
			if err := s.events.DeviceRegistered(ctx, dev, replaced); err != nil {
				s.logger.Debug("publish registration failed", "device_id", dev.ID, "error", err)
			}
		},
		OnReject: func(deviceID string, err error) {
			s.metrics.RegistrationRejected()
			s.logger.Info("registration rejected", "device_id", deviceID, "error", err)
		},
		OnDisconnect: func(deviceID, reason string) {
			if v, ok := s.sessionStart.LoadAndDelete(deviceID); ok {
				s.metrics.SessionClosed(time.Since(v.(time.Time)).Seconds())
			}
			ctx := context.Background()
			s.audit.DeviceDisconnected(ctx, deviceID, reason)
			if err := s.events.DeviceDisconnected(ctx, deviceID, reason); err != nil {
				s.logger.Debug("publish disconnect failed", "device_id", deviceID, "error", err)
			}
		},
		OnEvent: func(deviceID string, ev *protocol.Event) {
			ctx := context.Background()
			s.audit.DeviceEvent(ctx, deviceID, ev.EventType, ev.Severity, ev.Data)
			if err := s.events.DeviceEvent(ctx, deviceID, ev.EventType, ev.Severity, ev.Data); err != nil {
				s.logger.Debug("publish device event failed", "device_id", deviceID, "error", err)
			}
		},
		OnDispatch: func(call *edge.PendingCall) {
			s.metrics.DispatchStarted()
			s.audit.ToolDispatched(context.Background(), call.DeviceID, call.Tool, call.ID, call.Params)
		},
		OnSettle: func(call *edge.PendingCall, res *edge.ToolResult, err error) {
			duration := time.Since(call.DispatchedAt)
			outcome := settleOutcome(res, err)
			s.metrics.RecordDispatch(call.Tool, outcome, duration.Seconds())

			var (
				success bool
				code    string
				output  []byte
				errMsg  string
			)
			switch {
			case err != nil:
				code = failureCodeFor(err)
				errMsg = err.Error()
			case res != nil:
				success = res.Success
				output = res.Result
				if res.Error != nil {
					code = string(res.Error.Code)
					errMsg = res.Error.Message
				}
				if res.Duration > 0 {
					duration = res.Duration
				}
			}
			s.audit.ToolCompleted(context.Background(), call.DeviceID, call.Tool, call.ID, success, code, output, duration, errMsg)
		},
		OnLateResult: func(callID, deviceID string) {
			s.metrics.LateResult()
			s.audit.LateResult(context.Background(), deviceID, callID)
		},
		OnFrame: func(direction string, ft protocol.FrameType) {
			if direction == "out" {
				s.metrics.FrameSent(string(ft))
				return
			}
			s.metrics.FrameReceived(string(ft))
		},
	}
}

// onTransition records liveness changes reported by the monitor sweep.
func (s *Server) onTransition(t devices.Transition) {
	s.metrics.LivenessTransition(string(t.From), string(t.To))
	ctx := context.Background()
	s.audit.LivenessChanged(ctx, t)
	if err := s.events.LivenessChanged(ctx, t); err != nil {
		s.logger.Debug("publish liveness failed", "device_id", t.DeviceID, "error", err)
	}
	s.logger.Info("device liveness changed",
		"device_id", t.DeviceID,
		"from", t.From,
		"to", t.To,
		"last_heartbeat", t.LastHeartbeat,
	)
}

// observeToolCall records gate denials and validation rejections from the
// conversation loop. Dispatched calls are recorded by the edge hooks.
func (s *Server) observeToolCall(deviceID string, rec agent.ToolCallRecord) {
	if rec.Dispatched || rec.Code == "" {
		return
	}
	s.recordDenial(context.Background(), deviceID, rec.Tool, rec.Code, rec.Message)
}

func (s *Server) recordDenial(ctx context.Context, deviceID, tool, code, reason string) {
	s.metrics.RecordDenied(tool)
	s.audit.ToolDenied(ctx, deviceID, tool, code, reason)
}

func settleOutcome(res *edge.ToolResult, err error) string {
	switch {
	case err == nil && res != nil && res.Success:
		return outcomeSuccess
	case err == nil:
		return outcomeFailure
	case errors.Is(err, edge.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, edge.ErrDeviceDisconnected):
		return outcomeDisconnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	default:
		return outcomeFailure
	}
}

func failureCodeFor(err error) string {
	switch {
	case errors.Is(err, edge.ErrTimeout):
		return agent.CodeTimeout
	case errors.Is(err, edge.ErrDeviceDisconnected), errors.Is(err, edge.ErrDeviceNotConnected):
		return agent.CodeDeviceDisconnected
	default:
		return string(protocol.CodeToolExecutionFailed)
	}
}
