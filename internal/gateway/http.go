package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/audit"
	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/observability"
	"github.com/haasonsaas/orion/internal/tools/policy"
)

const (
	maxRequestBytes       = 1 << 20
	executionHistoryLimit = 10
)

// Handler returns the HTTP surface: the device websocket plus the JSON API.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/devices", s.handleDevices)
	api.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	api.HandleFunc("GET /api/tools", s.handleTools)
	api.HandleFunc("POST /api/tools/execute", s.handleExecute)
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/overview", s.handleOverview)
	api.HandleFunc("GET /healthz", s.handleHealthz)
	api.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	root := http.NewServeMux()
	// The websocket upgrade needs the raw ResponseWriter.
	root.Handle("GET /ws", s.manager)
	root.Handle("/", s.instrument(api))
	return root
}

// DeviceView is a device snapshot with its session state.
type DeviceView struct {
	devices.Device
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
}

// DeviceDetail is GET /api/devices/{id}: the device view plus its recent
// tool calls when an audit database is configured.
type DeviceDetail struct {
	DeviceView
	RecentExecutions []audit.Execution `json:"recent_executions,omitempty"`
}

// ToolView describes a catalog entry over HTTP.
type ToolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Dangerous   bool            `json:"dangerous"`
	Tier        string          `json:"tier"`
	Schema      json.RawMessage `json:"schema"`
}

// ExecuteRequest is the body of POST /api/tools/execute.
type ExecuteRequest struct {
	DeviceID   string         `json:"device_id"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	TimeoutSec float64        `json:"timeout_sec,omitempty"`
}

// ExecuteResponse carries the gate verdict and, when dispatched, the result.
type ExecuteResponse struct {
	Verdict policy.Verdict   `json:"verdict"`
	Result  *edge.ToolResult `json:"result,omitempty"`
	Code    string           `json:"code,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	DeviceID       string `json:"device_id"`
	Message        string `json:"message"`
}

// Overview summarizes the fleet.
type Overview struct {
	Devices       DeviceCounts      `json:"devices"`
	Sessions      int               `json:"sessions"`
	Pending       edge.PendingStats `json:"pending"`
	Conversations int               `json:"conversations"`
}

// DeviceCounts counts registered devices by liveness state.
type DeviceCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Idle    int `json:"idle"`
	Offline int `json:"offline"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	views := make([]DeviceView, 0, len(list))
	for _, dev := range list {
		views = append(views, s.deviceView(dev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Lookup(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	detail := DeviceDetail{DeviceView: s.deviceView(dev)}
	if s.audit.Queryable() {
		execs, err := s.audit.RecentExecutions(r.Context(), dev.ID, executionHistoryLimit)
		if err != nil {
			s.logger.Warn("failed to load execution history", "device_id", dev.ID, "error", err)
		}
		detail.RecentExecutions = execs
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deviceView(dev devices.Device) DeviceView {
	view := DeviceView{Device: dev}
	if sess, ok := s.manager.Session(dev.ID); ok && sess.State() == edge.StateRegistered {
		view.Connected = true
		view.SessionID = sess.ID()
	}
	return view
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.catalog.List()
	views := make([]ToolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, ToolView{
			Name:        t.Name,
			Description: t.Description,
			Category:    string(t.Category),
			Dangerous:   t.Dangerous,
			Tier:        string(t.Tier),
			Schema:      t.Schema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":      views,
		"count":      len(views),
		"categories": s.catalog.Categories(),
	})
}

// handleExecute runs one tool call outside any conversation: gate, then
// validate, then dispatch.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" || req.Tool == "" {
		jsonError(w, http.StatusBadRequest, "device_id and tool are required")
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	ctx := observability.AddDeviceID(r.Context(), req.DeviceID)
	dev, err := s.registry.Lookup(req.DeviceID)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	verdict := policy.Authorize(s.catalog, s.policy.Gate(), dev, req.Tool, req.Parameters)
	if !verdict.Allowed {
		s.recordDenial(ctx, req.DeviceID, req.Tool, string(verdict.Code), verdict.Reason)
		writeJSON(w, http.StatusForbidden, ExecuteResponse{Verdict: verdict, Code: string(verdict.Code), Error: verdict.Reason})
		return
	}

	tool, _ := s.catalog.Lookup(req.Tool)
	params, err := agent.PrepareParams(tool, req.Parameters)
	if err != nil {
		verdict = policy.Deny(policy.CodeInvalidParameters, "%s", err.Error())
		s.recordDenial(ctx, req.DeviceID, req.Tool, string(verdict.Code), verdict.Reason)
		writeJSON(w, http.StatusUnprocessableEntity, ExecuteResponse{Verdict: verdict, Code: string(verdict.Code), Error: verdict.Reason})
		return
	}

	timeout := time.Duration(req.TimeoutSec * float64(time.Second))
	dispatcher := &tracedDispatcher{next: s.manager, tracer: s.tracer}
	res, err := dispatcher.Dispatch(ctx, req.DeviceID, req.Tool, params, timeout)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, edge.ErrDeviceNotConnected), errors.Is(err, edge.ErrDeviceDisconnected):
			status = http.StatusConflict
		case errors.Is(err, edge.ErrTimeout):
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, ExecuteResponse{Verdict: verdict, Code: failureCodeFor(err), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Verdict: verdict, Result: res})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" || strings.TrimSpace(req.Message) == "" {
		jsonError(w, http.StatusBadRequest, "device_id and message are required")
		return
	}
	if _, err := s.registry.Lookup(req.DeviceID); err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	conv, release, err := s.conversations.acquire(req.ConversationID, req.DeviceID)
	if err != nil {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	defer release()

	ctx := observability.AddConversationID(r.Context(), conv.ID)
	ctx = observability.AddDeviceID(ctx, req.DeviceID)
	ctx, span := s.tracer.TraceTurn(ctx, conv.ID, req.DeviceID)
	defer span.End()

	result, err := s.loop.Run(ctx, conv, req.Message)
	if err != nil {
		s.tracer.RecordError(span, err)
		s.metrics.RecordTurn("error")
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		jsonError(w, status, err.Error())
		return
	}
	outcome := "success"
	if result.LimitExceeded {
		outcome = "limit_exceeded"
	}
	s.metrics.RecordTurn(outcome)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	counts := s.registry.Counts()
	overview := Overview{
		Devices: DeviceCounts{
			Online:  counts[devices.StateOnline],
			Idle:    counts[devices.StateIdle],
			Offline: counts[devices.StateOffline],
		},
		Sessions:      len(s.manager.Sessions()),
		Pending:       s.manager.Pending().Stats(),
		Conversations: s.conversations.len(),
	}
	overview.Devices.Total = overview.Devices.Online + overview.Devices.Idle + overview.Devices.Offline
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startTime
	s.mu.Unlock()
	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": uptime,
	})
}

// instrument adds a request id, a span, request metrics and a debug log line
// to every API request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := observability.AddRequestID(r.Context(), requestID)
		ctx, span := s.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		if rec.status >= http.StatusInternalServerError {
			s.tracer.RecordError(span, fmt.Errorf("http %d", rec.status))
		}
		s.logger.Debug("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func jsonError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
