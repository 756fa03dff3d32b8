package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope name for every span this package
// starts.
const TracerName = "loomwork"

// TraceConfig controls whether pipeline steps and chat round trips are
// traced. The zero value is a safe no-op: Enabled defaults to false, and
// Init never errors on a disabled config.
type TraceConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "none" (default)
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Tracer wraps a trace.Tracer with its shutdown function. The zero-value
// way to get one is Init with a disabled config, which returns a tracer
// backed by the OpenTelemetry no-op implementation — Start calls on it
// allocate a span but never record or export anything.
type Tracer struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init builds a Tracer from cfg. A disabled config, or one with no exporter
// configured, yields a no-op tracer with zero overhead — callers never need
// to branch on cfg.Enabled themselves once they hold a *Tracer.
func Init(ctx context.Context, cfg TraceConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "loomwork"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := createExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Tracer{
		tracer:   tp.Tracer(TracerName),
		shutdown: tp.Shutdown,
	}, nil
}

func createExporter(cfg TraceConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards every span. Used when no real backend is
// configured but a caller still wants spans allocated and attributed, for
// example in tests asserting on span names via a different exporter.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(context.Context) error                            { return nil }

// Shutdown flushes and releases the underlying tracer provider. Safe to
// call on a no-op Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// Attribute keys attached to spans around pipeline steps and chat gateway
// round trips.
var (
	AttrTaskID      = attribute.Key("loomwork.task.id")
	AttrStepName    = attribute.Key("loomwork.step.name")
	AttrFamily      = attribute.Key("loomwork.pipeline.family")
	AttrWorkspaceID = attribute.Key("loomwork.workspace.id")
	AttrChatID      = attribute.Key("loomwork.chat.id")
	AttrAttempt     = attribute.Key("loomwork.chat.attempt")
)

// StartStepSpan starts an internal span named pipeline.step.<name>, the
// convention the pipeline runtime uses around every step body.
func (t *Tracer) StartStepSpan(ctx context.Context, family, name string, taskID int64) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "pipeline.step."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrFamily.String(family), AttrStepName.String(name), AttrTaskID.Int64(taskID)),
	)
}

// StartChatSpan starts a client span around one chat gateway round trip
// (one attempt of Chat.Get's answerOnce loop).
func (t *Tracer) StartChatSpan(ctx context.Context, attempt int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "chatgw.round_trip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrAttempt.Int(attempt)),
	)
}
