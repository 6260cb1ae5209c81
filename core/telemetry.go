package core

import (
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/model"
)

const (
	deliveredTTL      = 10 * time.Minute
	deliveredCapacity = 100_000
)

// MetricsRecorder receives the engine's counters. The Prometheus collector
// in internal/observability implements it.
type MetricsRecorder interface {
	IncMessages(outcome, reason string)
	ObserveHopCount(hops int)
	IncRouteEvents(kind string)
	IncConnectionEvents(kind string)
	SetMeshCounts(nodes, connections, buffered int)
	SetDeliveryStats(averageHopCount, deliveryRate float64)
}

// NodeSummary is a node as shown in a snapshot.
type NodeSummary struct {
	ID             string
	Name           string
	Position       model.Position
	Enabled        bool
	Battery        int
	Connections    int
	Routes         int
	Buffered       int
	SequenceNumber int
}

// ConnectionSummary is one symmetric link, reported once with A < B.
type ConnectionSummary struct {
	A              string
	B              string
	SignalStrength int
	Quality        LinkQuality
}

// TopologySnapshot lists nodes and links.
type TopologySnapshot struct {
	Nodes       []NodeSummary
	Connections []ConnectionSummary
}

// Stats are the delivery statistics of a snapshot. AverageHopCount and
// DeliveryRate come from the rolling window, the counters from the whole run.
type Stats struct {
	AverageHopCount     float64
	DeliveryRate        float64
	AverageLatency      time.Duration
	WindowSamples       int
	Sent                int
	Delivered           int
	Dropped             int
	DroppedByReason     map[DropReason]int
	Buffered            int
	DuplicateDeliveries int
	RouteDiscoveries    int
}

// StateSnapshot is the engine's periodic telemetry.
type StateSnapshot struct {
	Time            time.Time
	NodeCount       int
	ConnectionCount int
	MessageCount    int
	Topology        TopologySnapshot
	Stats           Stats
}

// telemetry accumulates message outcomes from the event stream.
type telemetry struct {
	mu          sync.Mutex
	sent        int
	delivered   int
	dropped     int
	duplicates  int
	discoveries int
	byReason    map[DropReason]int
	inflight    map[string]time.Time

	seen   *ttlcache.Cache[string, int]
	window *state.DeliveryWindow
}

func newTelemetry(windowSize int) *telemetry {
	return &telemetry{
		byReason: make(map[DropReason]int),
		inflight: make(map[string]time.Time),
		seen: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](deliveredTTL),
			ttlcache.WithCapacity[string, int](deliveredCapacity),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
		window: state.NewDeliveryWindow(windowSize),
	}
}

// observe folds ev into the counters. Only DATA messages count toward
// delivery statistics.
func (t *telemetry) observe(ev Event, m MetricsRecorder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventRouteDiscoveryStarted:
		t.discoveries++
		if m != nil {
			m.IncRouteEvents("discovery_started")
		}
		return
	case EventRouteDiscoveryCompleted:
		if m != nil {
			m.IncRouteEvents("discovery_completed")
		}
		return
	case EventRouteError:
		if m != nil {
			m.IncRouteEvents("error")
		}
		return
	case EventConnectionEstablished:
		if m != nil {
			m.IncConnectionEvents("established")
		}
		return
	case EventConnectionLost:
		if m != nil {
			m.IncConnectionEvents("lost")
		}
		return
	}

	if ev.Kind != model.KindData {
		return
	}
	switch ev.Type {
	case EventMessageSent:
		t.sent++
		t.inflight[ev.MessageID] = ev.Time
		if m != nil {
			m.IncMessages("sent", "")
		}
	case EventMessageDelivered:
		if t.seen.Has(ev.MessageID) {
			t.duplicates++
			if m != nil {
				m.IncMessages("duplicate", "")
			}
			return
		}
		t.seen.Set(ev.MessageID, ev.HopCount, ttlcache.DefaultTTL)
		t.delivered++
		sample := state.DeliverySample{
			MessageID: ev.MessageID,
			Delivered: true,
			HopCount:  ev.HopCount,
			At:        ev.Time,
		}
		if sentAt, ok := t.inflight[ev.MessageID]; ok {
			sample.Latency = ev.Time.Sub(sentAt)
			delete(t.inflight, ev.MessageID)
		}
		t.window.Record(sample)
		if m != nil {
			m.IncMessages("delivered", "")
			m.ObserveHopCount(ev.HopCount)
		}
	case EventMessageDropped:
		t.dropped++
		t.byReason[ev.Reason]++
		delete(t.inflight, ev.MessageID)
		t.window.Record(state.DeliverySample{MessageID: ev.MessageID, At: ev.Time})
		if m != nil {
			m.IncMessages("dropped", string(ev.Reason))
		}
	}
}

func (t *telemetry) stats() Stats {
	t.seen.DeleteExpired()
	ws := t.window.Stats()

	t.mu.Lock()
	defer t.mu.Unlock()

	byReason := make(map[DropReason]int, len(t.byReason))
	for k, v := range t.byReason {
		byReason[k] = v
	}
	return Stats{
		AverageHopCount:     ws.AverageHopCount,
		DeliveryRate:        ws.DeliveryRate,
		AverageLatency:      ws.AverageLatency,
		WindowSamples:       ws.Samples,
		Sent:                t.sent,
		Delivered:           t.delivered,
		Dropped:             t.dropped,
		DroppedByReason:     byReason,
		DuplicateDeliveries: t.duplicates,
		RouteDiscoveries:    t.discoveries,
	}
}

func (t *telemetry) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent, t.delivered, t.dropped, t.duplicates, t.discoveries = 0, 0, 0, 0, 0
	t.byReason = make(map[DropReason]int)
	t.inflight = make(map[string]time.Time)
	t.seen.DeleteAll()
	t.window.Reset()
}

// buildTopology summarises nodes and deduplicated links.
func buildTopology(nodes []*Node) TopologySnapshot {
	topo := TopologySnapshot{Nodes: make([]NodeSummary, 0, len(nodes))}
	for _, n := range nodes {
		conns := n.Connections()
		n.mu.Lock()
		sum := NodeSummary{
			ID:             n.id,
			Name:           n.name,
			Position:       n.position,
			Enabled:        n.enabled,
			Battery:        100,
			Connections:    len(n.conns),
			Routes:         len(n.routes),
			Buffered:       len(n.buffer),
			SequenceNumber: n.seq,
		}
		n.mu.Unlock()
		topo.Nodes = append(topo.Nodes, sum)

		for _, c := range conns {
			if c.LocalID >= c.RemoteID {
				continue
			}
			topo.Connections = append(topo.Connections, ConnectionSummary{
				A:              c.LocalID,
				B:              c.RemoteID,
				SignalStrength: c.SignalStrength,
				Quality:        QualityTier(c.SignalStrength),
			})
		}
	}
	sort.Slice(topo.Connections, func(i, j int) bool {
		if topo.Connections[i].A != topo.Connections[j].A {
			return topo.Connections[i].A < topo.Connections[j].A
		}
		return topo.Connections[i].B < topo.Connections[j].B
	})
	return topo
}
