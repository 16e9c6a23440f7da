// Copyright © 2018 The ELPS authors

package tracing

import (
	"context"

	"github.com/sirupsen/logrus"
	octrace "go.opencensus.io/trace"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/luthersystems/svcdbg/debugger"
)

// LogSpanProcessor writes every finished OpenTelemetry span to a logger
// at debug level.
type LogSpanProcessor struct {
	log *logrus.Entry
}

var _ sdktrace.SpanProcessor = (*LogSpanProcessor)(nil)

// NewLogSpanProcessor returns a span processor logging to log.
func NewLogSpanProcessor(log *logrus.Entry) *LogSpanProcessor {
	return &LogSpanProcessor{log: log}
}

func (p *LogSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := logrus.Fields{
		"span":     s.Name(),
		"duration": s.EndTime().Sub(s.StartTime()).String(),
	}
	for _, kv := range s.Attributes() {
		fields[string(kv.Key)] = kv.Value.Emit()
	}
	p.log.WithFields(fields).Debug("span")
}

func (p *LogSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *LogSpanProcessor) ForceFlush(context.Context) error { return nil }

// LogExporter writes OpenCensus spans to a logger at debug level.
type LogExporter struct {
	log *logrus.Entry
}

var _ octrace.Exporter = (*LogExporter)(nil)

func (e *LogExporter) ExportSpan(s *octrace.SpanData) {
	fields := logrus.Fields{
		"span":     s.Name,
		"duration": s.EndTime.Sub(s.StartTime).String(),
	}
	for k, v := range s.Attributes {
		fields[k] = v
	}
	e.log.WithFields(fields).Debug("span")
}

// Install sets up the named exporter process-wide with spans written to
// log and returns the debugger tracer for it. The returned function
// flushes and removes the exporter.
func Install(exporter string, log *logrus.Entry) (debugger.Tracer, func(context.Context) error, error) {
	tr, err := New(exporter)
	if err != nil || tr == nil {
		return nil, func(context.Context) error { return nil }, err
	}
	switch exporter {
	case ExporterOTel:
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(NewLogSpanProcessor(log)),
		)
		prev := otel.GetTracerProvider()
		otel.SetTracerProvider(tp)
		return tr, func(ctx context.Context) error {
			otel.SetTracerProvider(prev)
			return tp.Shutdown(ctx)
		}, nil
	case ExporterOpenCensus:
		e := &LogExporter{log: log}
		octrace.RegisterExporter(e)
		octrace.ApplyConfig(octrace.Config{DefaultSampler: octrace.AlwaysSample()})
		return tr, func(context.Context) error {
			octrace.UnregisterExporter(e)
			return nil
		}, nil
	}
	return tr, func(context.Context) error { return nil }, nil
}
