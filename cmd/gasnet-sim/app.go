package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/config"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/netfile"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
	"github.com/signalsfoundry/gasnet-twin/internal/store/postgres"
	"github.com/signalsfoundry/gasnet-twin/internal/store/redisstream"
)

// app holds the wiring shared by the run and serve commands.
type app struct {
	cfg     config.Config
	log     logging.Logger
	lib     *netfile.Library
	metrics *observability.SimCollector
	records sink.Writer
	alarms  alarm.Sink
	closers []func(context.Context) error
}

type appOptions struct {
	registerer prometheus.Registerer
	logOutput  io.Writer
	// extraRecords receives every record in addition to configured sinks.
	extraRecords sink.Writer
}

func newApp(ctx context.Context, root *rootOptions, opts appOptions) (*app, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging()
	logCfg.Output = opts.logOutput
	log := logging.New(logCfg)

	lib, err := netfile.LoadPaths(root.networks...)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "loaded networks",
		logging.Any("networks", lib.Catalog.Names()),
		logging.Int("files", len(lib.Files)),
	)

	collector, err := observability.NewSimCollector(opts.registerer)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a := &app{cfg: cfg, log: log, lib: lib, metrics: collector}
	if err := a.connectSinks(ctx, opts.extraRecords); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

// connectSinks wires each configured backend behind a non-blocking queue.
func (a *app) connectSinks(ctx context.Context, extra sink.Writer) error {
	var writers sink.Fanout
	var sinks alarm.Fanout
	buffer := a.cfg.Sinks.Buffer

	asyncRecords := func(name string, w sink.Writer) {
		q := sink.NewAsync(w,
			sink.WithName(name),
			sink.WithBuffer(buffer),
			sink.WithLogger(a.log),
			sink.WithMetrics(a.metrics),
		)
		writers = append(writers, q)
		a.closers = append(a.closers, q.Close)
	}
	asyncAlarms := func(name string, s alarm.Sink) {
		q := alarm.NewAsync(s, buffer, a.log.With(logging.String("sink", name)), func(error) {
			a.metrics.ObserveSinkError(name)
		})
		sinks = append(sinks, q)
		a.closers = append(a.closers, q.Close)
	}

	if dsn := a.cfg.Sinks.PostgresDSN; dsn != "" {
		store, err := postgres.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres sink: %w", err)
		}
		asyncRecords("postgres", store)
		asyncAlarms("postgres_alarms", store)
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.log.Info(ctx, "postgres sink enabled")
	}
	if url := a.cfg.Sinks.RedisURL; url != "" {
		stream, err := redisstream.New(ctx, url,
			redisstream.WithStreams(a.cfg.Sinks.RecordStream, a.cfg.Sinks.AlarmStream),
			redisstream.WithMaxLen(a.cfg.Sinks.StreamMaxLen),
		)
		if err != nil {
			return fmt.Errorf("redis sink: %w", err)
		}
		asyncRecords("redis", stream)
		asyncAlarms("redis_alarms", stream)
		a.closers = append(a.closers, func(context.Context) error { return stream.Close() })
		a.log.Info(ctx, "redis stream sink enabled",
			logging.String("records", a.cfg.Sinks.RecordStream),
			logging.String("alarms", a.cfg.Sinks.AlarmStream),
		)
	}
	if extra != nil {
		writers = append(writers, extra)
	}
	if a.cfg.Sinks.LogAlarms {
		sinks = append(sinks, alarm.NewLog(a.log))
	}

	a.records = sink.Discard
	if len(writers) > 0 {
		a.records = writers
	}
	if len(sinks) > 0 {
		a.alarms = sinks
	}
	return nil
}

func (a *app) manager() *runner.Manager {
	opts := []runner.Option{
		runner.WithConfig(a.cfg.Runner()),
		runner.WithRecordWriter(a.records),
		runner.WithLogger(a.log),
		runner.WithMetrics(a.metrics),
	}
	if a.alarms != nil {
		opts = append(opts, runner.WithAlarmSink(a.alarms))
	}
	opts = append(opts, a.lib.ManagerOptions()...)
	return runner.NewManager(a.lib.Catalog, opts...)
}

// close runs closers in registration order, so each backend's queues drain
// before its client is closed.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, fn := range a.closers {
		if err := fn(ctx); err != nil {
			a.log.Warn(ctx, "sink close failed", logging.Err(err))
		}
	}
	a.closers = nil
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
