package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the device engine.
//
// The metrics track:
//   - Device sessions and registrations
//   - Frames in each direction by type
//   - Tool dispatch outcomes and latencies
//   - Liveness transitions
//   - Model requests made by the conversation loop
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.FrameReceived("device_heartbeat")
//	metrics.RecordDispatch("create_directory", "success", time.Since(start).Seconds())
type Metrics struct {
	// ActiveSessions is the number of registered device sessions.
	ActiveSessions prometheus.Gauge

	// Registrations counts registrations.
	// Labels: outcome (new|replaced|rejected)
	Registrations *prometheus.CounterVec

	// SessionDuration measures session lifetime in seconds.
	// Buckets: 60s, 300s, 600s, 1800s, 3600s, 7200s, 14400s, 28800s
	SessionDuration prometheus.Histogram

	// Frames counts websocket frames.
	// Labels: direction (inbound|outbound), type
	Frames *prometheus.CounterVec

	// DispatchCounter counts tool dispatches by outcome.
	// Labels: tool_name, outcome (success|tool_error|timeout|disconnected|cancelled|denied)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures time from tool_execute to resolution.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	DispatchDuration *prometheus.HistogramVec

	// PendingCalls is the number of unresolved tool calls.
	PendingCalls prometheus.Gauge

	// LateResults counts tool results that arrived after their call resolved.
	LateResults prometheus.Counter

	// LivenessTransitions counts monitor reclassifications.
	// Labels: from, to
	LivenessTransitions *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// Turns counts conversation turns.
	// Labels: outcome (answered|limit_exceeded|error)
	Turns *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orion_active_sessions",
			Help: "Current number of registered device sessions",
		}),

		Registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_registrations_total",
				Help: "Total number of device registrations by outcome",
			},
			[]string{"outcome"},
		),

		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orion_session_duration_seconds",
			Help:    "Duration of device sessions in seconds",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}),

		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_frames_total",
				Help: "Total number of websocket frames by direction and type",
			},
			[]string{"direction", "type"},
		),

		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_tool_dispatch_duration_seconds",
				Help:    "Time from tool_execute to resolution in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		PendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orion_pending_tool_calls",
			Help: "Current number of tool calls awaiting a result",
		}),

		LateResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "orion_late_tool_results_total",
			Help: "Tool results that arrived after their call was already resolved",
		}),

		LivenessTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_liveness_transitions_total",
				Help: "Device liveness reclassifications by source and target state",
			},
			[]string{"from", "to"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_conversation_turns_total",
				Help: "Total number of conversation turns by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// SessionOpened records a new registration.
func (m *Metrics) SessionOpened(replaced bool) {
	outcome := "new"
	if replaced {
		outcome = "replaced"
	} else {
		m.ActiveSessions.Inc()
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

// SessionClosed decrements the active sessions gauge and records the
// session lifetime.
func (m *Metrics) SessionClosed(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RegistrationRejected counts a malformed registration.
func (m *Metrics) RegistrationRejected() {
	m.Registrations.WithLabelValues("rejected").Inc()
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	m.Frames.WithLabelValues("inbound", frameType).Inc()
}

// FrameSent counts an outbound frame.
func (m *Metrics) FrameSent(frameType string) {
	m.Frames.WithLabelValues("outbound", frameType).Inc()
}

// DispatchStarted increments the pending calls gauge.
func (m *Metrics) DispatchStarted() {
	m.PendingCalls.Inc()
}

// RecordDispatch records a resolved tool call.
//
// Example:
//
//	metrics.RecordDispatch("create_directory", "timeout", 10.0)
func (m *Metrics) RecordDispatch(toolName, outcome string, durationSeconds float64) {
	m.PendingCalls.Dec()
	m.DispatchCounter.WithLabelValues(toolName, outcome).Inc()
	m.DispatchDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordDenied counts a tool call the permission gate refused. Denied calls
// never reach a device so no latency is observed.
func (m *Metrics) RecordDenied(toolName string) {
	m.DispatchCounter.WithLabelValues(toolName, "denied").Inc()
}

// LateResult counts a result for a call that already resolved.
func (m *Metrics) LateResult() {
	m.LateResults.Inc()
}

// LivenessTransition counts a monitor reclassification.
func (m *Metrics) LivenessTransition(from, to string) {
	m.LivenessTransitions.WithLabelValues(from, to).Inc()
}

// RecordLLMRequest records a model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordTurn counts a finished conversation turn.
func (m *Metrics) RecordTurn(outcome string) {
	m.Turns.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
