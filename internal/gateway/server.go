// Package gateway assembles the Orion core: the device registry and liveness
// monitor, the edge session manager, the conversation loop and the HTTP
// surface that exposes them.
//
//	            ┌──────────── /ws ────────────┐
//	devices ───▶│ edge.Manager ─▶ devices.Registry ◀── devices.Monitor
//	            └──────┬──────────────────────┘
//	                   │ Dispatch
//	HTTP /api/chat ─▶ agent.Loop ─▶ policy gate ─▶ catalog validation
//	                   │
//	                   └─▶ audit.Recorder, events.Publisher, Metrics, Tracer
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/agent/providers"
	"github.com/haasonsaas/orion/internal/audit"
	"github.com/haasonsaas/orion/internal/config"
	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/events"
	"github.com/haasonsaas/orion/internal/observability"
	"github.com/haasonsaas/orion/internal/tools/catalog"
)

// Server is the Orion core process.
type Server struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	catalog  *catalog.Catalog
	registry *devices.Registry
	monitor  *devices.Monitor
	manager  *edge.Manager
	policy   *config.PolicyStore
	provider agent.LLMProvider
	loop     *agent.Loop

	conversations *conversationStore
	sessionStart  sync.Map // device id -> time.Time of registration

	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer
	audit    *audit.Recorder
	events   events.Publisher

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time
	closers      []func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the build version reported by /healthz and traces.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithProvider overrides the LLM provider built from configuration.
func WithProvider(p agent.LLMProvider) Option {
	return func(s *Server) { s.provider = p }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.metrics = observability.NewMetrics(reg)
			s.gatherer = reg
		}
	}
}

// WithAudit sets the audit recorder instead of opening one from config.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Server) { s.audit = r }
}

// WithEvents sets the event publisher instead of connecting from config.
func WithEvents(p events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// WithTracer sets the tracer instead of building one from config.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New builds a server from cfg. Collaborators that talk to external systems
// (LLM, audit database, NATS, OTLP) are created from cfg unless supplied as
// options.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	s := &Server{config: cfg, version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")

	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metrics = observability.NewMetrics(reg)
		s.gatherer = reg
	}
	if s.tracer == nil {
		tracer, shutdown := observability.NewTracer(cfg.TraceConfig(s.version))
		s.tracer = tracer
		s.closers = append(s.closers, shutdown)
	}
	if s.audit == nil {
		rec, err := audit.Open(ctx, cfg.Audit, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open audit: %w", err)
		}
		s.audit = rec
		s.closers = append(s.closers, func(context.Context) error { return rec.Close() })
	}
	if s.events == nil {
		pub, err := events.Connect(cfg.Events, s.logger)
		if err != nil {
			s.shutdownCollaborators(ctx)
			return nil, fmt.Errorf("connect events: %w", err)
		}
		s.events = pub
		s.closers = append(s.closers, func(context.Context) error { return pub.Close() })
	}
	if s.provider == nil {
		p, err := providers.New(cfg.ProviderConfig())
		if err != nil {
			s.shutdownCollaborators(ctx)
			return nil, fmt.Errorf("create llm provider: %w", err)
		}
		s.provider = p
	}

	s.catalog = catalog.Default()
	s.policy = config.NewPolicyStore(cfg.Policy)
	s.registry = devices.NewRegistry(s.logger)
	s.monitor = devices.NewMonitor(s.registry, cfg.MonitorConfig(), s.logger)
	s.monitor.OnTransition(s.onTransition)

	s.manager = edge.NewManager(cfg.ManagerConfig(), s.registry, s.catalog, s.logger,
		edge.WithPermissions(s.policy.Permissions),
		edge.WithHooks(s.edgeHooks()),
	)

	dispatcher := &tracedDispatcher{next: s.manager, tracer: s.tracer}
	s.loop = agent.NewLoop(
		&instrumentedProvider{next: s.provider, metrics: s.metrics, tracer: s.tracer, model: cfg.LLM.Model},
		s.catalog,
		s.registry,
		dispatcher,
		cfg.LoopConfig(),
		s.logger,
		agent.WithPolicy(s.policy.Gate),
		agent.WithToolObserver(s.observeToolCall),
	)
	s.conversations = newConversationStore(cfg.Loop.HistoryLimit, defaultConversationTTL)

	return s, nil
}

// Registry returns the device registry.
func (s *Server) Registry() *devices.Registry { return s.registry }

// Manager returns the edge session manager.
func (s *Server) Manager() *edge.Manager { return s.manager }

// Loop returns the conversation loop.
func (s *Server) Loop() *agent.Loop { return s.loop }

// ApplyConfig swaps in hot-reloadable settings from a reloaded file. Only
// the policy section takes effect without a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.policy.Store(cfg.Policy)
	s.logger.Info("policy reloaded",
		"forbidden_paths", len(cfg.Policy.ForbiddenPaths),
		"default_tools", len(cfg.Policy.DefaultPermissions.AllowedTools),
	)
}

func (s *Server) shutdownCollaborators(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("shutdown error", "error", err)
		}
	}
	s.closers = nil
}
