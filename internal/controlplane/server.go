package controlplane

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
)

// Interceptors supplies extra unary interceptors, such as the metrics
// collector.
type Interceptors interface {
	UnaryServerInterceptor() grpc.UnaryServerInterceptor
}

// Server is the control-plane gRPC server with its health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewServer builds a server for svc. Spans come from the otelgrpc stats
// handler; interceptors run in the order logging, tracing, metrics.
func NewServer(svc ControlServer, log logging.Logger, metrics Interceptors) *Server {
	if log == nil {
		log = logging.Noop()
	}
	chain := []grpc.UnaryServerInterceptor{
		LoggingUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if metrics != nil {
		chain = append(chain, metrics.UnaryServerInterceptor())
	}
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	RegisterControlServer(gs, svc)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: gs, health: hs, log: log}
}

// GRPC exposes the underlying server, for registering extra services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Serve accepts connections on lis until ctx ends, then drains in-flight
// calls for up to grace before forcing the stop.
func (s *Server) Serve(ctx context.Context, lis net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info(ctx, "control plane listening", logging.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn(context.Background(), "control plane drain timed out; forcing stop")
		s.grpc.Stop()
	}
	return nil
}
