// Package telemetry wraps OpenTelemetry tracing behind a small interface so
// the orchestrator can emit spans without caring whether a real provider is
// configured. The default global provider is a no-op, which is an accepted
// backend.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans around orchestration steps.
type Tracer interface {
	// Start opens a span with the given attributes. The returned Span must
	// be ended exactly once.
	Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
}

// Span is an open tracing span.
type Span interface {
	SetAttributes(attrs ...attribute.KeyValue)
	RecordError(err error)
	End()
}

// OTelTracer delegates to the global OpenTelemetry TracerProvider.
// Configure it via otel.SetTracerProvider (or OTEL_* environment variables
// through an exporter) before serving; the unconfigured default is no-op.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewTracer constructs the OTel-backed tracer.
func NewTracer() *OTelTracer {
	return &OTelTracer{tracer: otel.Tracer("github.com/colloquy-ai/colloquy")}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.span.End() }
