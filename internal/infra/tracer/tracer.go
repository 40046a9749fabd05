// Package tracer wires OpenTelemetry into the request path. Spans follow
// the phases of a routed request: route, classify, agent/composite
// processing, and the provider call.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultService = "conductor"

// Span names for the phases of a routed request.
const (
	SpanRoute      = "orchestrator.route"
	SpanClassify   = "classifier.classify"
	SpanAgent      = "agent.process"
	SpanChain      = "chain.process"
	SpanParallel   = "parallel.process"
	SpanSupervisor = "supervisor.process"
	SpanChat       = "llm.chat"
)

// Options selects the exporter and the service name stamped on every span.
type Options struct {
	Enabled  bool
	Exporter string // "stdout" or "noop"
	Service  string // resource service.name; empty = "conductor"
}

// Init installs the global TracerProvider and returns its shutdown
// function. Disabled tracing installs a noop provider so call sites never
// need to check.
func Init(_ context.Context, opts Options) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !opts.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch opts.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", opts.Exporter)
	}

	service := opts.Service
	if service == "" {
		service = defaultService
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan opens a span with its attributes attached at start time.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(defaultService).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Attribute constructors for the identities this codebase traces.

func Agent(id string) attribute.KeyValue       { return attribute.String("agent.id", id) }
func Provider(name string) attribute.KeyValue  { return attribute.String("llm.provider", name) }
func Model(name string) attribute.KeyValue     { return attribute.String("llm.model", name) }
func Selected(id string) attribute.KeyValue    { return attribute.String("classifier.selected", id) }
func Count(key string, n int) attribute.KeyValue { return attribute.Int(key, n) }

// TokenUsage reports prompt and completion token counts on a span.
func TokenUsage(span trace.Span, prompt, completion int) {
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", prompt),
		attribute.Int("llm.completion_tokens", completion),
	)
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
