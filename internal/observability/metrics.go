package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// SimCollector bundles Prometheus metrics for the simulation loop and the
// control plane, and provides helpers to wire them into gRPC servers and
// HTTP handlers.
type SimCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	StepsTotal     prometheus.Counter
	StepDuration   prometheus.Histogram
	StepOverruns   prometheus.Counter
	RunsTotal      *prometheus.CounterVec
	RunActive      prometheus.Gauge
	SetpointsTotal *prometheus.CounterVec
	AlarmsTotal    *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec
	DroppedRecords prometheus.Counter

	NodePressure    *prometheus.GaugeVec
	ValvePosition   *prometheus.GaugeVec
	CompressorSpeed *prometheus.GaugeVec
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gasnet_grpc_requests_total",
		Help: "Total number of handled control-plane RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "gasnet_grpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gasnet_grpc_request_duration_seconds",
		Help:    "Control-plane RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "gasnet_grpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gasnet_sim_steps_total",
		Help: "Simulation steps executed across all runs.",
	}), "gasnet_sim_steps_total")
	if err != nil {
		return nil, err
	}
	stepDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gasnet_sim_step_duration_seconds",
		Help:    "Wall time spent executing one simulation step.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "gasnet_sim_step_duration_seconds")
	if err != nil {
		return nil, err
	}
	overruns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gasnet_sim_step_overruns_total",
		Help: "Steps whose wall time exceeded the configured time step.",
	}), "gasnet_sim_step_overruns_total")
	if err != nil {
		return nil, err
	}
	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gasnet_sim_runs_total",
		Help: "Simulation run status transitions, labeled by the status entered.",
	}, []string{"status"}), "gasnet_sim_runs_total")
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gasnet_sim_run_active",
		Help: "1 while a simulation run is active, otherwise 0.",
	}), "gasnet_sim_run_active")
	if err != nil {
		return nil, err
	}
	setpoints, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gasnet_setpoint_changes_total",
		Help: "Setpoint writes accepted while a run was active, labeled by field.",
	}, []string{"field"}), "gasnet_setpoint_changes_total")
	if err != nil {
		return nil, err
	}
	alarms, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gasnet_alarms_total",
		Help: "Controller alarms raised, labeled by severity and code.",
	}, []string{"severity", "code"}), "gasnet_alarms_total")
	if err != nil {
		return nil, err
	}
	sinkErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gasnet_sink_errors_total",
		Help: "Failed deliveries to persistence or alarm sinks, labeled by sink.",
	}, []string{"sink"}), "gasnet_sink_errors_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gasnet_sink_dropped_records_total",
		Help: "Records dropped because a sink buffer was full.",
	}), "gasnet_sink_dropped_records_total")
	if err != nil {
		return nil, err
	}

	pressure, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gasnet_node_pressure_bar",
		Help: "Latest simulated node pressure in bar.",
	}, []string{"node"}), "gasnet_node_pressure_bar")
	if err != nil {
		return nil, err
	}
	valves, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gasnet_valve_position_percent",
		Help: "Latest valve position in percent open.",
	}, []string{"valve"}), "gasnet_valve_position_percent")
	if err != nil {
		return nil, err
	}
	speeds, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gasnet_compressor_speed_rpm",
		Help: "Latest exact compressor speed in RPM.",
	}, []string{"compressor"}), "gasnet_compressor_speed_rpm")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:        gatherer,
		RPCRequests:     requests,
		RPCDurations:    durations,
		StepsTotal:      steps,
		StepDuration:    stepDuration,
		StepOverruns:    overruns,
		RunsTotal:       runs,
		RunActive:       active,
		SetpointsTotal:  setpoints,
		AlarmsTotal:     alarms,
		SinkErrors:      sinkErrors,
		DroppedRecords:  dropped,
		NodePressure:    pressure,
		ValvePosition:   valves,
		CompressorSpeed: speeds,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *SimCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveStep records one executed step.
func (c *SimCollector) ObserveStep(d time.Duration) {
	if c == nil {
		return
	}
	c.StepsTotal.Inc()
	c.StepDuration.Observe(d.Seconds())
}

// ObserveOverrun counts a step that ran past its time step.
func (c *SimCollector) ObserveOverrun() {
	if c == nil {
		return
	}
	c.StepOverruns.Inc()
}

// ObserveRunStatus counts a run entering status.
func (c *SimCollector) ObserveRunStatus(status string) {
	if c == nil {
		return
	}
	c.RunsTotal.WithLabelValues(status).Inc()
}

// ObserveSetpoint counts an accepted setpoint write.
func (c *SimCollector) ObserveSetpoint(field string) {
	if c == nil {
		return
	}
	c.SetpointsTotal.WithLabelValues(field).Inc()
}

// SetRunActive flips the active-run gauge.
func (c *SimCollector) SetRunActive(active bool) {
	if c == nil {
		return
	}
	if active {
		c.RunActive.Set(1)
		return
	}
	c.RunActive.Set(0)
}

// ObserveAlarm counts a raised alarm.
func (c *SimCollector) ObserveAlarm(severity, code string) {
	if c == nil {
		return
	}
	c.AlarmsTotal.WithLabelValues(severity, code).Inc()
}

// ObserveSinkError counts a failed sink delivery.
func (c *SimCollector) ObserveSinkError(sink string) {
	if c == nil {
		return
	}
	c.SinkErrors.WithLabelValues(sink).Inc()
}

// ObserveDroppedRecords counts records lost to a full buffer.
func (c *SimCollector) ObserveDroppedRecords(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DroppedRecords.Add(float64(n))
}

// SetNodePressure updates the node pressure gauge.
func (c *SimCollector) SetNodePressure(nodeID string, bar float64) {
	if c == nil {
		return
	}
	c.NodePressure.WithLabelValues(nodeID).Set(bar)
}

// SetValvePosition updates the valve position gauge.
func (c *SimCollector) SetValvePosition(valveID string, pct float64) {
	if c == nil {
		return
	}
	c.ValvePosition.WithLabelValues(valveID).Set(pct)
}

// SetCompressorSpeed updates the compressor speed gauge.
func (c *SimCollector) SetCompressorSpeed(compressorID string, rpm float64) {
	if c == nil {
		return
	}
	c.CompressorSpeed.WithLabelValues(compressorID).Set(rpm)
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
