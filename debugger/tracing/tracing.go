// Copyright © 2018 The ELPS authors

// Package tracing reports debugger suspensions and evaluations as spans.
package tracing

import (
	"context"
	"fmt"

	octrace "go.opencensus.io/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthersystems/svcdbg/debugger"
)

const (
	// ContextOpenTelemetryTracerKey looks up a tracer name from a context key.
	ContextOpenTelemetryTracerKey = "otelParentTracer"

	// DefaultTracerName is used when the context names no tracer.
	DefaultTracerName = "svcdbg"
)

// Exporter names accepted by New.
const (
	ExporterNone       = "none"
	ExporterOTel       = "otel"
	ExporterOpenCensus = "opencensus"
)

// New returns the tracer for an exporter name. An empty name is the same
// as "none".
func New(exporter string) (debugger.Tracer, error) {
	switch exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTel:
		return NewOpenTelemetry(), nil
	case ExporterOpenCensus:
		return NewOpenCensus(), nil
	}
	return nil, fmt.Errorf("unknown tracing exporter %q", exporter)
}

// OpenTelemetry opens spans with the global OpenTelemetry tracer provider.
type OpenTelemetry struct{}

var _ debugger.Tracer = OpenTelemetry{}

// NewOpenTelemetry returns a tracer bound to otel.GetTracerProvider.
func NewOpenTelemetry() OpenTelemetry {
	return OpenTelemetry{}
}

func contextTracer(ctx context.Context) trace.Tracer {
	tracerName, ok := ctx.Value(ContextOpenTelemetryTracerKey).(string)
	if !ok {
		tracerName = DefaultTracerName
	}
	return otel.GetTracerProvider().Tracer(tracerName)
}

// Start implements debugger.Tracer.
func (OpenTelemetry) Start(ctx context.Context, op string, info debugger.SpanInfo) func() {
	_, span := contextTracer(ctx).Start(ctx, op)
	attrs := []attribute.KeyValue{
		attribute.Int("thread.id", info.ThreadID),
	}
	if info.Reason != "" {
		attrs = append(attrs, attribute.String("debugger.reason", info.Reason))
	}
	if info.Expression != "" {
		attrs = append(attrs, attribute.String("debugger.expression", info.Expression))
	}
	if info.File != "" {
		attrs = append(attrs,
			semconv.CodeFilepath(info.File),
			semconv.CodeLineNumber(info.Line),
			semconv.CodeColumn(info.Column),
		)
	}
	span.SetAttributes(attrs...)
	return func() { span.End() }
}

// OpenCensus opens spans with go.opencensus.io/trace.
type OpenCensus struct{}

var _ debugger.Tracer = OpenCensus{}

// NewOpenCensus returns an OpenCensus tracer.
func NewOpenCensus() OpenCensus {
	return OpenCensus{}
}

// Start implements debugger.Tracer.
func (OpenCensus) Start(ctx context.Context, op string, info debugger.SpanInfo) func() {
	_, span := octrace.StartSpan(ctx, op)
	span.AddAttributes(octrace.Int64Attribute("thread", int64(info.ThreadID)))
	if info.Reason != "" {
		span.AddAttributes(octrace.StringAttribute("reason", info.Reason))
	}
	if info.Expression != "" {
		span.AddAttributes(octrace.StringAttribute("expression", info.Expression))
	}
	return func() {
		if info.File != "" {
			span.Annotate([]octrace.Attribute{
				octrace.StringAttribute("file", info.File),
				octrace.Int64Attribute("line", int64(info.Line)),
			}, "source")
		}
		span.End()
	}
}
