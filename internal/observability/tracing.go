package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
)

const (
	runTracerName       = "github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	defaultOTLPEndpoint = "localhost:4317"
)

// TracingConfig governs how tracing is initialised. Environment overrides
// are applied by the config package.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp otlpgrpc"`
	Endpoint    string  `yaml:"endpoint"` // otlp only
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// InitTracing installs the global tracer provider and propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	tp, err := NewTracerProvider(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// NewTracerProvider builds a batching provider for cfg. Stdout spans go to out.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, out io.Writer) (*sdktrace.TracerProvider, error) {
	exp, err := exporterFromConfig(ctx, cfg, out)
	if err != nil {
		return nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = "gasnet-sim"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", service),
		attribute.String("service.namespace", "gasnet"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig, out io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// StartRunSpan opens the span that parents every step span of a run.
func StartRunSpan(ctx context.Context, runID, network string, maxSteps int) (context.Context, trace.Span) {
	return otel.Tracer(runTracerName).Start(ctx, "simulation.run",
		trace.WithAttributes(
			attribute.String("gasnet.run_id", runID),
			attribute.String("gasnet.network", network),
			attribute.Int("gasnet.max_steps", maxSteps),
		),
	)
}

// EndRunSpan records the terminal status of a run and ends span. A non-empty
// lastError marks the span as failed.
func EndRunSpan(span trace.Span, status string, totalSteps int, lastError string) {
	span.SetAttributes(
		attribute.String("gasnet.status", status),
		attribute.Int("gasnet.total_steps", totalSteps),
	)
	if lastError != "" {
		span.RecordError(errors.New(lastError))
		span.SetStatus(otelcodes.Error, lastError)
	}
	span.End()
}

// ShutdownWithTimeout invokes shutdown with a bounded timeout and logs any
// error instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
