package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("gasnet_grpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "gasnet_grpc_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("gasnet_grpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("gasnet_grpc_requests_total error label = %v, want 1", got)
	}
}

func TestSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveStep(3 * time.Millisecond)
	collector.ObserveStep(4 * time.Millisecond)
	collector.ObserveOverrun()
	collector.ObserveRunStatus("RUNNING")
	collector.SetRunActive(true)
	collector.ObserveSetpoint("set_position")
	collector.ObserveSetpoint("set_position")
	collector.ObserveAlarm("CRITICAL", "GAS_LEAK")
	collector.ObserveSinkError("postgres")
	collector.ObserveDroppedRecords(12)
	collector.SetNodePressure("n1", 49.5)
	collector.SetValvePosition("v1", 62)
	collector.SetCompressorSpeed("c1", 1500)

	if got := testutil.ToFloat64(collector.StepsTotal); got != 2 {
		t.Fatalf("steps_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.RunActive); got != 1 {
		t.Fatalf("run_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SetpointsTotal.WithLabelValues("set_position")); got != 2 {
		t.Fatalf("setpoint_changes_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.AlarmsTotal.WithLabelValues("CRITICAL", "GAS_LEAK")); got != 1 {
		t.Fatalf("alarms_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.DroppedRecords); got != 12 {
		t.Fatalf("dropped_records_total = %v, want 12", got)
	}
	if got := testutil.ToFloat64(collector.NodePressure.WithLabelValues("n1")); got != 49.5 {
		t.Fatalf("node_pressure_bar = %v, want 49.5", got)
	}
	if count := histogramSampleCount(t, reg, "gasnet_sim_step_duration_seconds", nil); count != 2 {
		t.Fatalf("step_duration sample_count = %d, want 2", count)
	}

	collector.SetRunActive(false)
	if got := testutil.ToFloat64(collector.RunActive); got != 0 {
		t.Fatalf("run_active = %v, want 0", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SimCollector
	c.ObserveStep(time.Millisecond)
	c.ObserveAlarm("LOW", "X")
	c.SetRunActive(true)
	c.ObserveSetpoint("set_flow")
	c.ObserveDroppedRecords(3)
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
	second.ObserveOverrun()
	if got := testutil.ToFloat64(first.StepOverruns); got != 1 {
		t.Fatalf("shared overrun counter = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.ObserveStep(time.Millisecond)
	collector.SetCompressorSpeed("c1", 1500)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"gasnet_grpc_requests_total",
		"gasnet_grpc_request_duration_seconds",
		"gasnet_sim_steps_total",
		"gasnet_sim_step_duration_seconds",
		"gasnet_compressor_speed_rpm",
		"gasnet_sim_run_active",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `gasnet_compressor_speed_rpm{compressor="c1"} 1500`) {
		t.Fatalf("/metrics output missing compressor speed: %s", body)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"Health/Watch":                 {"Health", "Watch"},
		"broken":                       {"unknown", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %s, %s; want %s, %s", in, service, method, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
