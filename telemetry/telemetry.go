// Package telemetry supplies the logging, metrics, and tracing facades used
// across the gateway. Every component depends on these interfaces rather
// than on a concrete backend, so production code wires Clue/OTEL while
// tests wire the noop implementation.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the gateway.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so gateway code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Observability bundles the three facades plus the helpers most callers
// need at every call site: start/end a span and log + record metrics for an
// operation in one place, rather than threading three objects everywhere.
type Observability struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// New bundles the three facades, defaulting any nil argument to its noop
// implementation so callers can partially configure observability.
func New(logger Logger, metrics Metrics, tracer Tracer) Observability {
	if logger == nil {
		logger = NoopLogger{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if tracer == nil {
		tracer = NoopTracer{}
	}
	return Observability{Logger: logger, Metrics: metrics, Tracer: tracer}
}

// StartSpan starts a span for name and returns the derived context together
// with it, mirroring Tracer.Start.
func (o Observability) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return o.Tracer.Start(ctx, name, opts...)
}

// EndSpan ends span, recording err on it when non-nil.
func (o Observability) EndSpan(span Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// LogOperation logs msg at info level on success or error level when err is
// non-nil, attaching keyvals to either.
func (o Observability) LogOperation(ctx context.Context, msg string, err error, keyvals ...any) {
	if err != nil {
		o.Logger.Error(ctx, msg, append(keyvals, "error", err.Error())...)
		return
	}
	o.Logger.Info(ctx, msg, keyvals...)
}

// RecordOperationMetrics records a timer and a success/failure counter for
// an operation named op.
func (o Observability) RecordOperationMetrics(op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.Metrics.RecordTimer(op+"_duration", duration, "status", status)
	o.Metrics.IncCounter(op+"_total", 1, "status", status)
}
