package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestNewMetrics_RegistersWithInjectedRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.FrameReceived("device_heartbeat")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "orion_") {
			t.Errorf("metric %q lacks orion_ prefix", f.GetName())
		}
		if f.GetName() == "orion_frames_total" {
			found = true
		}
	}
	if !found {
		t.Error("orion_frames_total not registered")
	}

	// A second set on a fresh registry must not collide.
	NewMetrics(prometheus.NewRegistry())
}

func TestSessionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionOpened(false)
	m.SessionOpened(false)
	m.SessionOpened(true)
	m.SessionClosed(12)
	m.RegistrationRejected()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	expected := `
		# HELP orion_registrations_total Total number of device registrations by outcome
		# TYPE orion_registrations_total counter
		orion_registrations_total{outcome="new"} 2
		orion_registrations_total{outcome="rejected"} 1
		orion_registrations_total{outcome="replaced"} 1
	`
	if err := testutil.CollectAndCompare(m.Registrations, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected registrations: %v", err)
	}
}

func TestFrames(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.FrameReceived("device_register")
	m.FrameReceived("device_heartbeat")
	m.FrameReceived("device_heartbeat")
	m.FrameSent("heartbeat_ack")

	expected := `
		# HELP orion_frames_total Total number of websocket frames by direction and type
		# TYPE orion_frames_total counter
		orion_frames_total{direction="inbound",type="device_heartbeat"} 2
		orion_frames_total{direction="inbound",type="device_register"} 1
		orion_frames_total{direction="outbound",type="heartbeat_ack"} 1
	`
	if err := testutil.CollectAndCompare(m.Frames, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected frames: %v", err)
	}
}

func TestDispatchOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.DispatchStarted()
	m.DispatchStarted()
	m.RecordDispatch("create_directory", "success", 0.2)
	m.RecordDispatch("create_directory", "timeout", 10)
	m.RecordDenied("delete_file")
	m.LateResult()

	if got := testutil.ToFloat64(m.PendingCalls); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.DispatchCounter.WithLabelValues("create_directory", "timeout")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DispatchCounter.WithLabelValues("delete_file", "denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LateResults); got != 1 {
		t.Errorf("late results = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.DispatchDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestLivenessAndTurns(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.LivenessTransition("online", "idle")
	m.LivenessTransition("idle", "offline")
	m.LivenessTransition("online", "idle")
	m.RecordTurn("answered")
	m.RecordTurn("limit_exceeded")
	m.RecordLLMRequest("ollama", "llama3.1", "success", 1.5)

	if got := testutil.ToFloat64(m.LivenessTransitions.WithLabelValues("online", "idle")); got != 2 {
		t.Errorf("online->idle = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.Turns); count != 2 {
		t.Errorf("turn series = %d, want 2", count)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("ollama", "llama3.1", "success")); got != 1 {
		t.Errorf("llm requests = %v, want 1", got)
	}
}
