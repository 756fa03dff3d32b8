package telemetry

import (
	"context"
	"testing"
)

func TestInit_DisabledReturnsNoopTracer(t *testing.T) {
	tr, err := Init(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, span := tr.StartStepSpan(context.Background(), "note", "answer", 1)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	tr, err := Init(context.Background(), TraceConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartChatSpan(context.Background(), 0)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
}

func TestInit_UnknownExporterErrors(t *testing.T) {
	_, err := Init(context.Background(), TraceConfig{Enabled: true, Exporter: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartStepSpan(context.Background(), "note", "answer", 1)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil tracer: %v", err)
	}
}
