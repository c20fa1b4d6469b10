package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.Debug(context.Background(), "step done", Int("step", 3), Float("pressure", 49.9), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{`"msg":"step done"`, `"step":3`, `"pressure":49.9`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info message written at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn message missing: %q", buf.String())
	}
}

func TestRunIDFromContextIsLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Output: &buf})

	ctx := ContextWithRunID(context.Background(), "run-1")
	base.Info(ctx, "unscoped")
	if got := strings.Count(buf.String(), `"run_id":"run-1"`); got != 1 {
		t.Fatalf("unscoped run_id count = %d, want 1: %s", got, buf.String())
	}

	buf.Reset()
	ctx, runLog := WithRunLogger(context.Background(), base, "run-2")
	runLog.Info(ctx, "scoped")
	if got := strings.Count(buf.String(), `"run_id":"run-2"`); got != 1 {
		t.Fatalf("scoped run_id count = %d, want 1: %s", got, buf.String())
	}
	if RunIDFromContext(ctx) != "run-2" {
		t.Fatalf("RunIDFromContext = %q", RunIDFromContext(ctx))
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on empty context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("expected noop logger to be stored")
	}
}

func TestSpanContextIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	log.Info(ctx, "step done")
	for _, want := range []string{`"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`, `"span_id":"00f067aa0ba902b7"`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("log output %q missing %s", buf.String(), want)
		}
	}
}
