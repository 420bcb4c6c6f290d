// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the parley server.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler scrubs JWTs, bearer
// credentials and secrets from messages and attributes, and adds the
// request, user and connection IDs carried on the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddConnectionID(ctx, conn.ID())
//	logger.InfoContext(ctx, "joined conversation", "conversation_id", convID)
//
// # Metrics
//
// NewMetrics registers the realtime metrics on the given registerer. All
// recording methods are safe to call on a nil *Metrics, so components can
// run without instrumentation in tests.
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordEvent("send_message", "inbound")
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op tracer otherwise.
package observability
