// Package observability provides metrics, structured logging and tracing for
// the Orion core.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on an injected registerer so
// that tests and embedded servers can use private registries:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// Every metric name carries the orion_ prefix. Session, frame, dispatch and
// liveness metrics are fed from edge.Manager hooks and the liveness monitor.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler scrubs API keys, bearer
// tokens, passwords and DSN credentials from messages and attributes. Request,
// device and conversation ids stored in the context with AddRequestID,
// AddDeviceID and AddConversationID are attached to every record logged with
// a *Context method.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and is
// a no-op otherwise. Conversation turns, model requests and tool dispatches
// each get a span:
//
//	ctx, span := tracer.TraceTurn(ctx, conv.ID, deviceID)
//	defer span.End()
package observability
