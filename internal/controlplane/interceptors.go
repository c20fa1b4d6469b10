package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
)

const (
	tracerName        = "github.com/signalsfoundry/gasnet-twin/internal/controlplane"
	runIDMetadataKey  = "x-run-id"
	healthServicePath = "/grpc.health.v1.Health/"
)

// LoggingUnaryServerInterceptor attaches a per-call logger annotated with
// the method, and the run_id from inbound metadata when present, then logs
// the outcome. Health checks are logged at debug level.
func LoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		callLog := base.With(logging.String("method", info.FullMethod))
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if id := firstHeader(md, runIDMetadataKey); id != "" {
				ctx, callLog = logging.WithRunLogger(ctx, callLog, id)
			}
		}
		ctx = logging.ContextWithLogger(ctx, callLog)

		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []logging.Field{
			logging.String("code", status.Code(err).String()),
			logging.Duration("elapsed", time.Since(start)),
		}
		switch {
		case err != nil:
			callLog.Warn(ctx, "rpc failed", append(fields, logging.Err(err))...)
		case strings.HasPrefix(info.FullMethod, healthServicePath):
			callLog.Debug(ctx, "rpc handled", fields...)
		default:
			callLog.Info(ctx, "rpc handled", fields...)
		}
		return resp, err
	}
}

// TracingUnaryServerInterceptor names the server span after the RPC and
// records errors on it, creating a span when no stats handler did.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("ControlPlane/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		}
		if id := logging.RunIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("run_id", id))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
