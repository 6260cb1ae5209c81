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

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

var _ core.MetricsRecorder = (*MeshCollector)(nil)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("meshsim_rpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "meshsim_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("meshsim_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("meshsim_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestNewMeshCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("first NewMeshCollector: %v", err)
	}
	second, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("second NewMeshCollector: %v", err)
	}

	second.IncMessages("sent", "")
	if got := testutil.ToFloat64(first.Messages.WithLabelValues("sent", "")); got != 1 {
		t.Fatalf("collectors do not share meshsim_messages_total: got %v", got)
	}
}

func TestEngineDrivesMeshMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	cfg := core.DefaultConfig()
	cfg.AutoConnect = false
	cfg.HopJitter = 0
	cfg.BufferRetryInterval = 1000 * time.Hour
	vs := sched.NewVirtualScheduler(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))
	engine, err := core.NewEngine(cfg,
		core.WithScheduler(vs),
		core.WithLossModel(core.NoLoss),
		core.WithMetricsRecorder(collector),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Shutdown()

	if err := engine.Initialize(model.TopologyLinear, 3); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	vs.Advance(time.Second)

	src, _ := engine.GetNode("node-1")
	src.SendMessage(context.Background(), "node-3", "hello")
	vs.Advance(2 * time.Second)

	if got := testutil.ToFloat64(collector.Messages.WithLabelValues("delivered", "")); got != 1 {
		t.Fatalf("delivered messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RouteEvents.WithLabelValues("discovery_started")); got != 1 {
		t.Fatalf("discoveries started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ConnectionEvents.WithLabelValues("established")); got != 2 {
		t.Fatalf("connections established = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Nodes); got != 3 {
		t.Fatalf("meshsim_nodes = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.AverageHopCount); got != 2 {
		t.Fatalf("meshsim_average_hop_count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.DeliveryRate); got != 1 {
		t.Fatalf("meshsim_delivery_rate = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesMeshGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}
	collector.SetMeshCounts(3, 4, 5)
	collector.SetDeliveryStats(2.5, 0.9)
	collector.IncVerdict("flagged")
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"meshsim_nodes 3",
		"meshsim_connections 4",
		"meshsim_buffered_messages 5",
		"meshsim_average_hop_count 2.5",
		"meshsim_delivery_rate 0.9",
		`meshsim_analysis_verdicts_total{verdict="flagged"} 1`,
		"meshsim_rpc_requests_total",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func TestSchedulerCollectorObservesTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	collector.ObserveTick(now, time.Millisecond)
	collector.ObserveTick(now.Add(time.Second), 2*time.Millisecond)

	if got := testutil.ToFloat64(collector.TicksTotal); got != 2 {
		t.Fatalf("ticks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SimTime); got != 1_700_000_001 {
		t.Fatalf("simulation time = %v, want 1700000001", got)
	}
	if count := histogramSampleCount(t, reg, "meshsim_scheduler_tick_duration_seconds", nil); count != 2 {
		t.Fatalf("tick histogram sample_count = %d, want 2", count)
	}

	var nilCollector *SchedulerCollector
	nilCollector.ObserveTick(now, time.Millisecond)
}

func TestSplitMethod(t *testing.T) {
	tests := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"Health/Watch":                 {"Health", "Watch"},
		"justone":                      {"unknown", "unknown"},
		"/pkg.Service/":                {"Service", "unknown"},
	}
	for in, want := range tests {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", in, service, method, want[0], want[1])
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
