package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/gasnet-twin/internal/controlplane"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC control plane and Prometheus metrics",
		Long: `Starts the control plane (run control, setpoints, state, health) on
grpc_addr and /metrics on metrics_addr. SIGINT or SIGTERM stops any active
run and drains the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			shutdownTracing, err := observability.InitTracing(ctx, a.cfg.Tracing, a.log)
			if err != nil {
				return err
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, a.log)

			lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", a.cfg.GRPCAddr, err)
			}
			return serve(ctx, a, lis, autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start a run of simulation.network on launch")
	return cmd
}

// serve runs the control plane on lis until ctx ends.
func serve(ctx context.Context, a *app, lis net.Listener, autostart bool) error {
	m := a.manager()
	metricsSrv := serveMetrics(a.cfg.MetricsAddr, a.metrics, a.log)

	if autostart {
		sim := a.cfg.Simulation
		if _, err := m.Start(ctx, sim.Network, sim.Duration, sim.TimeStep); err != nil {
			_ = lis.Close()
			return fmt.Errorf("autostart: %w", err)
		}
	}

	svc := controlplane.NewService(m, a.lib.Catalog,
		controlplane.WithRunDefaults(a.cfg.Simulation.Duration, a.cfg.Simulation.TimeStep),
		controlplane.WithServiceLogger(a.log),
	)
	srv := controlplane.NewServer(svc, a.log, a.metrics)
	err := srv.Serve(ctx, lis, 5*time.Second)

	if _, err := m.Stop(context.Background()); err != nil && !errors.Is(err, runner.ErrNoActiveRun) {
		a.log.Warn(context.Background(), "active run did not stop cleanly", logging.Err(err))
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn(shutdownCtx, "metrics server shutdown failed", logging.Err(err))
		}
	}
	a.log.Info(context.Background(), "control plane stopped")
	return err
}
