// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the notaryline webhook server.
//
// # Logging
//
// Logger wraps slog and attaches the request ID, call SID and stage stored in
// the context. Credentials matching DefaultRedactPatterns are replaced with
// [REDACTED]; caller numbers should be passed through MaskPhone.
//
// # Metrics
//
// Metrics groups the notaryline_* collectors: webhook traffic, stage
// transitions and restarts, quotes, gateway calls and failures, reconciliation
// and replayed webhooks. All methods are safe on a nil receiver.
//
// # Tracing
//
// Tracer exports spans over OTLP/gRPC when an endpoint is configured and is a
// no-op otherwise. Webhooks and gateway calls each get a span.
package observability
