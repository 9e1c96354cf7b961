package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/observability"
)

// Recorder builds audit events for device and tool activity and fans them
// out to every configured sink. A Recorder without sinks discards events.
type Recorder struct {
	config Config
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder over sinks.
func NewRecorder(config Config, logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = DefaultConfig().MaxFieldSize
	}
	return &Recorder{
		config: config,
		sinks:  sinks,
		logger: logger.With("component", "audit.recorder"),
		now:    time.Now,
	}
}

// Open builds the sinks named by config: the log stream when enabled, and
// the SQL table when a database driver is set.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*Recorder, error) {
	var sinks []Sink
	if config.Enabled {
		l, err := NewLogger(config)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, l)
	}
	if config.Database.Driver != "" {
		store, err := OpenSQLStore(ctx, config.Database.Driver, config.Database.DSN, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close() //nolint:errcheck
			}
			return nil, err
		}
		sinks = append(sinks, store)
	}
	return NewRecorder(config, logger, sinks...), nil
}

// Record fills defaults and writes event to every sink. Sink failures are
// logged and never returned to the caller.
func (r *Recorder) Record(ctx context.Context, event *Event) {
	if r == nil || len(r.sinks) == 0 || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}
	if event.ConversationID == "" {
		event.ConversationID = observability.GetConversationID(ctx)
	}
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, event); err != nil {
			r.logger.Warn("audit sink write failed", "type", event.Type, "error", err)
		}
	}
}

// Close closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queryable reports whether a sink can answer RecentExecutions.
func (r *Recorder) Queryable() bool {
	return r.reader() != nil
}

func (r *Recorder) reader() Reader {
	if r == nil {
		return nil
	}
	for _, sink := range r.sinks {
		if reader, ok := sink.(Reader); ok {
			return reader
		}
	}
	return nil
}

// RecentExecutions returns the newest completed and denied tool calls for a
// device. It returns nil without error when no sink is queryable.
func (r *Recorder) RecentExecutions(ctx context.Context, deviceID string, limit int) ([]Execution, error) {
	reader := r.reader()
	if reader == nil {
		return nil, nil
	}
	events, err := reader.Recent(ctx, deviceID, limit, EventToolCompleted, EventToolDenied)
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(events))
	for _, e := range events {
		exec := Execution{
			ToolName:   e.ToolName,
			ToolCallID: e.ToolCallID,
			Error:      e.Error,
			DurationMs: e.Duration.Milliseconds(),
			Timestamp:  e.Timestamp,
		}
		exec.Code, _ = e.Details["code"].(string)
		switch {
		case e.Type == EventToolDenied:
			exec.Status = ExecutionDenied
			if exec.Error == "" {
				exec.Error, _ = e.Details["reason"].(string)
			}
		case e.Details["success"] == true:
			exec.Status = ExecutionSuccess
		default:
			exec.Status = ExecutionFailed
		}
		out = append(out, exec)
	}
	return out, nil
}

// DeviceRegistered records a registration. replaced is true when the
// registration superseded a live session.
func (r *Recorder) DeviceRegistered(ctx context.Context, dev devices.Device, replaced bool) {
	r.Record(ctx, &Event{
		Type:     EventDeviceRegistered,
		DeviceID: dev.ID,
		Action:   "device_registered",
		Details: map[string]any{
			"hostname":      dev.Hostname,
			"os":            dev.OS,
			"os_version":    dev.OSVersion,
			"replaced":      replaced,
			"allowed_tools": dev.Permissions.AllowedTools,
		},
	})
}

// DeviceDisconnected records a session close.
func (r *Recorder) DeviceDisconnected(ctx context.Context, deviceID, reason string) {
	r.Record(ctx, &Event{
		Type:     EventDeviceDisconnected,
		DeviceID: deviceID,
		Action:   "device_disconnected",
		Details:  map[string]any{"reason": reason},
	})
}

// LivenessChanged records a monitor reclassification.
func (r *Recorder) LivenessChanged(ctx context.Context, t devices.Transition) {
	level := LevelInfo
	if t.To == devices.StateOffline {
		level = LevelWarn
	}
	r.Record(ctx, &Event{
		Type:      EventDeviceLiveness,
		Level:     level,
		Timestamp: t.At,
		DeviceID:  t.DeviceID,
		Action:    "liveness_changed",
		Details: map[string]any{
			"from":           string(t.From),
			"to":             string(t.To),
			"last_heartbeat": t.LastHeartbeat.Format(time.RFC3339),
		},
	})
}

// DeviceEvent records an event frame sent by a device.
func (r *Recorder) DeviceEvent(ctx context.Context, deviceID, eventType, severity string, data map[string]any) {
	level := LevelInfo
	switch severity {
	case "warning", "warn":
		level = LevelWarn
	case "error", "critical":
		level = LevelError
	}
	details := map[string]any{"event_type": eventType, "severity": severity}
	if len(data) > 0 {
		details["data"] = r.truncate(marshal(data))
	}
	r.Record(ctx, &Event{
		Type:     EventDeviceEvent,
		Level:    level,
		DeviceID: deviceID,
		Action:   "device_event",
		Details:  details,
	})
}

// ToolDispatched records a tool_execute sent to a device. Parameters are
// hashed unless IncludeToolInput is set.
func (r *Recorder) ToolDispatched(ctx context.Context, deviceID, tool, callID string, params map[string]any) {
	details := map[string]any{}
	if input := marshal(params); input != "" {
		if r.config.IncludeToolInput {
			details["input"] = r.truncate(input)
		} else {
			details["input_hash"] = hashString(input)
		}
	}
	r.Record(ctx, &Event{
		Type:       EventToolDispatched,
		DeviceID:   deviceID,
		ToolName:   tool,
		ToolCallID: callID,
		Action:     "tool_dispatched",
		Details:    details,
	})
}

// ToolCompleted records how a dispatched call resolved. code is empty on
// success.
func (r *Recorder) ToolCompleted(ctx context.Context, deviceID, tool, callID string, success bool, code string, output []byte, duration time.Duration, errMsg string) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	details := map[string]any{"success": success}
	if code != "" {
		details["code"] = code
	}
	if len(output) > 0 {
		if r.config.IncludeToolOutput {
			details["output"] = r.truncate(string(output))
		} else {
			details["output_size"] = len(output)
		}
	}
	r.Record(ctx, &Event{
		Type:       EventToolCompleted,
		Level:      level,
		DeviceID:   deviceID,
		ToolName:   tool,
		ToolCallID: callID,
		Action:     "tool_completed",
		Details:    details,
		Duration:   duration,
		Error:      errMsg,
	})
}

// ToolDenied records a call refused before dispatch.
func (r *Recorder) ToolDenied(ctx context.Context, deviceID, tool, code, reason string) {
	r.Record(ctx, &Event{
		Type:     EventToolDenied,
		Level:    LevelWarn,
		DeviceID: deviceID,
		ToolName: tool,
		Action:   "tool_denied",
		Details:  map[string]any{"code": code, "reason": reason},
	})
}

// LateResult records a tool_result for a call that already resolved.
func (r *Recorder) LateResult(ctx context.Context, deviceID, callID string) {
	r.Record(ctx, &Event{
		Type:       EventToolLateResult,
		Level:      LevelWarn,
		DeviceID:   deviceID,
		ToolCallID: callID,
		Action:     "late_result_dropped",
	})
}

// Lifecycle records gateway startup or shutdown.
func (r *Recorder) Lifecycle(ctx context.Context, eventType EventType, details map[string]any) {
	r.Record(ctx, &Event{
		Type:    eventType,
		Action:  string(eventType),
		Details: details,
	})
}

func (r *Recorder) truncate(s string) string {
	if len(s) > r.config.MaxFieldSize {
		return s[:r.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

func marshal(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// hashString returns the first 16 hex chars of the SHA-256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
