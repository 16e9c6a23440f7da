package tracing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	octrace "go.opencensus.io/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/tracing"
)

func TestNew(t *testing.T) {
	tr, err := tracing.New("")
	assert.NoError(t, err)
	assert.Nil(t, tr)
	tr, err = tracing.New("otel")
	assert.NoError(t, err)
	assert.IsType(t, tracing.OpenTelemetry{}, tr)
	tr, err = tracing.New("opencensus")
	assert.NoError(t, err)
	assert.IsType(t, tracing.OpenCensus{}, tr)
	_, err = tracing.New("zipkin")
	assert.Error(t, err)
}

func installExporter(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.Cleanup(func() {
		err := tp.Shutdown(context.Background())
		assert.NoError(t, err, "TracerProvider shutdown")
	})
	otel.SetTracerProvider(tp)
	return exporter
}

func TestOpenTelemetry_SuspendSpan(t *testing.T) {
	exporter := installExporter(t)

	d := debugger.New(debugger.WithTracer(tracing.NewOpenTelemetry()))
	d.RegisterFileBreakpoints("main.lua", []debugger.Location{{ID: "main.lua:3:0", File: "main.lua", Line: 3}})
	d.ConnectDebugger()
	d.SetBreakpoints("main.lua", []debugger.BreakpointRequest{{Line: 3}})

	slot := d.NewSlot("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess, release := d.Enter(slot, debugger.Service{Name: "svc", File: "main.lua"})
		defer release()
		sess.OnEnter(debugger.Frame{Name: "main"})
		sess.Checkpoint("main.lua:3:0")
		sess.OnExit()
	}()

	require.Eventually(t, func() bool {
		return len(d.GetStackTrace(slot.ThreadID())) == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Resume(slot.ThreadID()))
	<-done

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "debugger.suspend", spans[0].Name)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "breakpoint", attrs["debugger.reason"].AsString())
	assert.Equal(t, "main.lua", attrs["code.filepath"].AsString())
	assert.Equal(t, int64(3), attrs["code.lineno"].AsInt64())
	assert.Equal(t, int64(slot.ThreadID()), attrs["thread.id"].AsInt64())
}

func TestOpenTelemetry_TracerNameFromContext(t *testing.T) {
	exporter := installExporter(t)
	ctx := context.WithValue(context.Background(), tracing.ContextOpenTelemetryTracerKey, "custom") //nolint:staticcheck
	end := tracing.NewOpenTelemetry().Start(ctx, "debugger.evaluate", debugger.SpanInfo{ThreadID: 7, Expression: "x + 1"})
	end()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "custom", spans[0].InstrumentationLibrary.Name)
	assert.Equal(t, "debugger.evaluate", spans[0].Name)
}

type ocExporter struct {
	mu    sync.Mutex
	spans []*octrace.SpanData
}

func (e *ocExporter) ExportSpan(s *octrace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, s)
}

func TestOpenCensus_Span(t *testing.T) {
	exp := &ocExporter{}
	octrace.RegisterExporter(exp)
	t.Cleanup(func() { octrace.UnregisterExporter(exp) })
	octrace.ApplyConfig(octrace.Config{DefaultSampler: octrace.AlwaysSample()})

	end := tracing.NewOpenCensus().Start(context.Background(), "debugger.suspend", debugger.SpanInfo{
		ThreadID: 2,
		Reason:   "pause",
		File:     "main.lua",
		Line:     9,
	})
	end()

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.spans, 1)
	span := exp.spans[0]
	assert.Equal(t, "debugger.suspend", span.Name)
	assert.Equal(t, int64(2), span.Attributes["thread"])
	assert.Equal(t, "pause", span.Attributes["reason"])
	require.Len(t, span.Annotations, 1)
	assert.Equal(t, "source", span.Annotations[0].Message)
	assert.Equal(t, "main.lua", span.Annotations[0].Attributes["file"])
}

func TestInstall(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger)

	tr, shutdown, err := tracing.Install("none", log)
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.NoError(t, shutdown(context.Background()))

	_, _, err = tracing.Install("zipkin", log)
	assert.Error(t, err)

	for _, name := range []string{tracing.ExporterOTel, tracing.ExporterOpenCensus} {
		hook.Reset()
		tr, shutdown, err := tracing.Install(name, log)
		require.NoError(t, err, name)
		require.NotNil(t, tr)
		end := tr.Start(context.Background(), "debugger.evaluate", debugger.SpanInfo{ThreadID: 4, Expression: "a"})
		end()
		require.NoError(t, shutdown(context.Background()))

		entry := hook.LastEntry()
		require.NotNil(t, entry, name)
		assert.Equal(t, "span", entry.Message)
		assert.Equal(t, "debugger.evaluate", entry.Data["span"])
	}
}
