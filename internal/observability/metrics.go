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

// MeshCollector bundles the simulator's Prometheus metrics. It implements
// core.MetricsRecorder so the engine can drive it directly, and carries the
// RPC metrics of the gRPC control surface.
type MeshCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Messages         *prometheus.CounterVec
	HopCounts        prometheus.Histogram
	RouteEvents      *prometheus.CounterVec
	ConnectionEvents *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec

	Nodes           prometheus.Gauge
	Connections     prometheus.Gauge
	Buffered        prometheus.Gauge
	AverageHopCount prometheus.Gauge
	DeliveryRate    prometheus.Gauge
}

// NewMeshCollector registers the simulator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMeshCollector(reg prometheus.Registerer) (*MeshCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsim_rpc_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "meshsim_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshsim_rpc_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "meshsim_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsim_messages_total",
		Help: "DATA message outcomes, labeled by outcome and drop reason.",
	}, []string{"outcome", "reason"}), "meshsim_messages_total")
	if err != nil {
		return nil, err
	}
	hops, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshsim_delivered_hop_count",
		Help:    "Hop count of delivered DATA messages.",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	}), "meshsim_delivered_hop_count")
	if err != nil {
		return nil, err
	}
	routeEvents, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsim_route_events_total",
		Help: "Route discoveries started and completed and route errors raised.",
	}, []string{"kind"}), "meshsim_route_events_total")
	if err != nil {
		return nil, err
	}
	connEvents, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsim_connection_events_total",
		Help: "Links established and lost.",
	}, []string{"kind"}), "meshsim_connection_events_total")
	if err != nil {
		return nil, err
	}
	verdicts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsim_analysis_verdicts_total",
		Help: "Verdicts returned by the content analyzer for delivered messages.",
	}, []string{"verdict"}), "meshsim_analysis_verdicts_total")
	if err != nil {
		return nil, err
	}

	gauges := make(map[string]prometheus.Gauge, 5)
	for _, g := range []struct{ name, help string }{
		{"meshsim_nodes", "Current number of nodes in the mesh."},
		{"meshsim_connections", "Current number of symmetric links in the mesh."},
		{"meshsim_buffered_messages", "Messages waiting for a route across all nodes."},
		{"meshsim_average_hop_count", "Average hop count over the rolling delivery window."},
		{"meshsim_delivery_rate", "Delivery rate over the rolling delivery window."},
	} {
		gauge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
		gauges[g.name] = gauge
	}

	return &MeshCollector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		Messages:         messages,
		HopCounts:        hops,
		RouteEvents:      routeEvents,
		ConnectionEvents: connEvents,
		Verdicts:         verdicts,
		Nodes:            gauges["meshsim_nodes"],
		Connections:      gauges["meshsim_connections"],
		Buffered:         gauges["meshsim_buffered_messages"],
		AverageHopCount:  gauges["meshsim_average_hop_count"],
		DeliveryRate:     gauges["meshsim_delivery_rate"],
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *MeshCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
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
func (c *MeshCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncMessages counts one DATA message outcome.
func (c *MeshCollector) IncMessages(outcome, reason string) {
	if c == nil || c.Messages == nil {
		return
	}
	c.Messages.WithLabelValues(outcome, reason).Inc()
}

func (c *MeshCollector) ObserveHopCount(hops int) {
	if c == nil || c.HopCounts == nil {
		return
	}
	c.HopCounts.Observe(float64(hops))
}

func (c *MeshCollector) IncRouteEvents(kind string) {
	if c == nil || c.RouteEvents == nil {
		return
	}
	c.RouteEvents.WithLabelValues(kind).Inc()
}

func (c *MeshCollector) IncConnectionEvents(kind string) {
	if c == nil || c.ConnectionEvents == nil {
		return
	}
	c.ConnectionEvents.WithLabelValues(kind).Inc()
}

// IncVerdict counts one analyzer verdict.
func (c *MeshCollector) IncVerdict(verdict string) {
	if c == nil || c.Verdicts == nil {
		return
	}
	c.Verdicts.WithLabelValues(verdict).Inc()
}

// SetMeshCounts updates the topology gauges from a telemetry snapshot.
func (c *MeshCollector) SetMeshCounts(nodes, connections, buffered int) {
	if c == nil {
		return
	}
	if c.Nodes != nil {
		c.Nodes.Set(float64(nodes))
	}
	if c.Connections != nil {
		c.Connections.Set(float64(connections))
	}
	if c.Buffered != nil {
		c.Buffered.Set(float64(buffered))
	}
}

// SetDeliveryStats updates the rolling-window gauges.
func (c *MeshCollector) SetDeliveryStats(averageHopCount, deliveryRate float64) {
	if c == nil {
		return
	}
	if c.AverageHopCount != nil {
		c.AverageHopCount.Set(averageHopCount)
	}
	if c.DeliveryRate != nil {
		c.DeliveryRate.Set(deliveryRate)
	}
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
