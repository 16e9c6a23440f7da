// Copyright © 2018 The ELPS authors

package debugger

import "context"

// SpanInfo annotates a traced suspension or evaluation.
type SpanInfo struct {
	ThreadID   int
	Reason     string
	Expression string
	File       string
	Line       int
	Column     int
}

// Tracer opens a span for a named debugger operation and returns the
// function that ends it. Implementations live in the tracing package.
type Tracer interface {
	Start(ctx context.Context, op string, info SpanInfo) (end func())
}

type noopTracer struct{}

func (noopTracer) Start(context.Context, string, SpanInfo) func() { return func() {} }
