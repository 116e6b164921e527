// Package telemetry configures OpenTelemetry tracing for the execution
// substrate, adapted from the teacher's internal/telemetry/tracing.go:
// same OTLP-gRPC-exporter-or-noop InitTraceProvider shape and the same
// GenAI semantic-convention span for model calls, re-pointed from the
// teacher's agent-run/tool-call span tree to this repo's chat/task-
// transition/daemon-loop span tree.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the model adapter's provider name
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens / gen_ai.usage.output_tokens — token counts
//
// Custom span attributes use the `sos.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sosproject.io/sentinel"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initializes the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("sos-sentinel"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartChatSpan creates the parent span for one /chat request (spec.md §4.7).
func StartChatSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sos.chat",
		trace.WithAttributes(attribute.String("sos.subject", subject)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndChatSpan enriches the chat span with its outcome and omega coherence.
func EndChatSpan(span trace.Span, outcome string, omega float64) {
	span.SetAttributes(
		attribute.String("sos.chat.outcome", outcome),
		attribute.Float64("sos.chat.omega", omega),
	)
	span.End()
}

// StartModelCallSpan creates a span for one Model Adapter Registry call,
// following GenAI semantic conventions (spec.md §4.3).
func StartModelCallSpan(ctx context.Context, adapter, model string, layer int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", adapter),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("sos.adapter.layer", layer),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndModelCallSpan records the model call's outcome.
func EndModelCallSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.Bool("sos.adapter.failed", true))
	}
	span.End()
}

// StartTaskTransitionSpan creates a span for one Task Store state
// transition (spec.md §4.4).
func StartTaskTransitionSpan(ctx context.Context, taskID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sos.task.transition",
		trace.WithAttributes(
			attribute.String("sos.task.id", taskID),
			attribute.String("sos.task.action", action),
		),
	)
}

// EndTaskTransitionSpan records the resulting state and any error.
func EndTaskTransitionSpan(span trace.Span, from, to string, err error) {
	span.SetAttributes(
		attribute.String("sos.task.from", from),
		attribute.String("sos.task.to", to),
	)
	if err != nil {
		span.SetAttributes(attribute.Bool("sos.task.failed", true))
	}
	span.End()
}

// StartLoopTickSpan creates a span for one Daemon loop tick (spec.md §4.8).
func StartLoopTickSpan(ctx context.Context, loop string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sos.daemon.tick",
		trace.WithAttributes(attribute.String("sos.daemon.loop", loop)),
	)
}

// EndLoopTickSpan records the tick's outcome.
func EndLoopTickSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("sos.daemon.outcome", outcome))
	span.End()
}
