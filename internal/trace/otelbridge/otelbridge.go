// Package otelbridge turns the in-process trace.Context into a real OTel
// SpanContext that a caller can install as a span parent (nothing in this
// module exports spans), without
// making OpenTelemetry mandatory for core logic or unit tests — only this
// package imports go.opentelemetry.io/otel, mirroring the teacher's
// noopTracer split between an always-present internal Tracer interface and
// an optional concrete OTel-backed implementation.
package otelbridge

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/frameworks-oss/frameorchestrator/internal/trace"
)

// SpanContext converts c into a remote OTel trace.SpanContext carrying the
// same trace/span ids and sampled flag. c's baggage and tracestate are not
// carried; this bridge only carries identity and sampling.
func SpanContext(c *trace.Context) oteltrace.SpanContext {
	if c == nil {
		return oteltrace.SpanContext{}
	}
	flags := oteltrace.TraceFlags(0)
	if c.IsSampled() {
		flags = oteltrace.FlagsSampled
	}
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    oteltrace.TraceID(c.TraceID),
		SpanID:     oteltrace.SpanID(c.SpanID),
		TraceFlags: flags,
		Remote:     true,
	})
}

// ContextWithSpan attaches c's OTel-bridged SpanContext onto ctx so a
// downstream call that starts a real OTel span links to it as its parent.
func ContextWithSpan(ctx context.Context, c *trace.Context) context.Context {
	return oteltrace.ContextWithSpanContext(ctx, SpanContext(c))
}
