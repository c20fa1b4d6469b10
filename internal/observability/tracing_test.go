package observability

import (
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a sampled span")
	}
	span.End()
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	exp, err := exporterFromConfig(context.Background(), TracingConfig{Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("exporterFromConfig: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(context.Background(), "simulation.step")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("simulation.step")) {
		t.Fatalf("exporter output missing span: %s", buf.String())
	}
}

func TestNewTracerProviderFlushesOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(context.Background(), TracingConfig{Exporter: "stdout", SampleRatio: 1}, &buf)
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "simulation.run")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("gasnet")) {
		t.Fatalf("span missing service namespace: %s", buf.String())
	}
}

func TestUnsupportedExporter(t *testing.T) {
	if _, err := exporterFromConfig(context.Background(), TracingConfig{Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestRunSpanRecordsFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartRunSpan(context.Background(), "run-1", "demo", 10)
	EndRunSpan(span, "FAILED", 3, "step 3: boom")

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "simulation.run" {
		t.Fatalf("span name = %q", s.Name())
	}
	if s.Status().Description != "step 3: boom" {
		t.Fatalf("status = %+v", s.Status())
	}
	var network string
	for _, kv := range s.Attributes() {
		if kv.Key == "gasnet.network" {
			network = kv.Value.AsString()
		}
	}
	if network != "demo" {
		t.Fatalf("network attribute = %q, want demo", network)
	}
}
