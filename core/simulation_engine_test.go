package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/mesh-simulator/model"
)

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHops = -1
	if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewEngine with negative MaxHops: err = %v, want ErrInvalidConfig", err)
	}
}

func TestMeshTopologyLinksNeighboursWithinRange(t *testing.T) {
	tests := []struct {
		name        string
		rangeMetres float64
		wantLinks   int
		wantNode1   []string
	}{
		// Diagonals are 42.4m apart: inside 50m, outside 40m.
		{name: "range 50", rangeMetres: 50, wantLinks: 20, wantNode1: []string{"node-2", "node-4", "node-5"}},
		{name: "range 40", rangeMetres: 40, wantLinks: 12, wantNode1: []string{"node-2", "node-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Radio.Range = tt.rangeMetres
			e, vs := newTestEngine(t, cfg)
			settled(t, e, vs, model.TopologyMesh, 9)

			snap := e.RefreshTelemetry()
			if snap.NodeCount != 9 {
				t.Fatalf("NodeCount = %d, want 9", snap.NodeCount)
			}
			if snap.ConnectionCount != tt.wantLinks {
				t.Fatalf("ConnectionCount = %d, want %d", snap.ConnectionCount, tt.wantLinks)
			}

			var peers []string
			for _, c := range mustNode(t, e, "node-1").Connections() {
				peers = append(peers, c.RemoteID)
			}
			if diff := cmp.Diff(tt.wantNode1, peers); diff != "" {
				t.Fatalf("node-1 peers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInitializeDegenerateTopologyIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	if err := e.Initialize(model.TopologyMesh, 4); err != nil {
		t.Fatalf("Initialize mesh: %v", err)
	}

	for _, tc := range []struct {
		kind model.TopologyKind
		n    int
	}{
		{model.TopologyStar, 1},
		{model.TopologyLinear, 1},
		{model.TopologyMesh, 0},
	} {
		if err := e.Initialize(tc.kind, tc.n); err != nil {
			t.Fatalf("Initialize(%s, %d) = %v, want nil", tc.kind, tc.n, err)
		}
		if got := len(e.AllNodes()); got != 0 {
			t.Fatalf("Initialize(%s, %d) left %d nodes, want 0", tc.kind, tc.n, got)
		}
	}

	if err := e.Initialize(model.TopologyCustom, 3); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Initialize(CUSTOM) err = %v, want ErrInvalidConfig", err)
	}
}

func TestInitializeReplacesExistingNodes(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyMesh, 4)
	settled(t, e, vs, model.TopologyLinear, 2)

	nodes := e.AllNodes()
	if len(nodes) != 2 {
		t.Fatalf("len(AllNodes) = %d, want 2", len(nodes))
	}
	if e.Topology() != model.TopologyLinear {
		t.Fatalf("Topology = %s, want LINEAR", e.Topology())
	}
	if !nodes[0].IsConnected(nodes[1].ID()) {
		t.Fatalf("linear pair not linked after settle")
	}
}

func TestUnroutedMessageIsBufferedAndDiscoveryStartsOnce(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 5)

	events, cancel := e.Subscribe()
	defer cancel()

	src := mustNode(t, e, "node-1")
	if !src.SendMessage(context.Background(), "node-5", "hello") {
		t.Fatalf("SendMessage returned false")
	}
	if got := len(src.Buffered()); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if got := countEvents(drain(events), EventRouteDiscoveryStarted); got != 1 {
		t.Fatalf("RouteDiscoveryStarted events = %d, want 1", got)
	}

	vs.Advance(time.Second)

	if got := len(src.Buffered()); got != 0 {
		t.Fatalf("buffered after discovery = %d, want 0", got)
	}
	if got := countEvents(drain(events), EventRouteDiscoveryCompleted); got != 1 {
		t.Fatalf("RouteDiscoveryCompleted events = %d, want 1", got)
	}
}

func TestLinearChainDeliversInFourHops(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 5)

	src := mustNode(t, e, "node-1")
	dst := mustNode(t, e, "node-5")
	inbox, stop := dst.Subscribe()
	defer stop()

	src.SendMessage(context.Background(), "node-5", "hello")
	vs.Advance(time.Second)

	got := drain(inbox)
	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got))
	}
	if got[0].HopCount != 4 || got[0].Source != "node-1" || got[0].Content != "hello" {
		t.Fatalf("delivered %+v, want hello from node-1 in 4 hops", got[0])
	}

	route, ok := src.Route("node-5")
	if !ok {
		t.Fatalf("node-1 has no route to node-5")
	}
	if route.NextHop != "node-2" || route.HopCount != 4 {
		t.Fatalf("route = %+v, want next hop node-2 in 4 hops", route)
	}

	snap := e.RefreshTelemetry()
	if snap.Stats.Sent != 1 || snap.Stats.Delivered != 1 {
		t.Fatalf("stats sent/delivered = %d/%d, want 1/1", snap.Stats.Sent, snap.Stats.Delivered)
	}
	if snap.Stats.AverageHopCount != 4 {
		t.Fatalf("AverageHopCount = %v, want 4", snap.Stats.AverageHopCount)
	}
	if snap.Stats.DeliveryRate != 1 {
		t.Fatalf("DeliveryRate = %v, want 1", snap.Stats.DeliveryRate)
	}
	if snap.Stats.AverageLatency <= 0 {
		t.Fatalf("AverageLatency = %v, want > 0", snap.Stats.AverageLatency)
	}
}

func TestKnownRouteSkipsDiscovery(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 4)

	src := mustNode(t, e, "node-1")
	src.SendMessage(context.Background(), "node-4", "first")
	vs.Advance(time.Second)

	events, cancel := e.Subscribe()
	defer cancel()
	src.SendMessage(context.Background(), "node-4", "second")
	if got := len(src.Buffered()); got != 0 {
		t.Fatalf("buffered = %d, want 0 with a known route", got)
	}
	vs.Advance(time.Second)

	evs := drain(events)
	if got := countEvents(evs, EventRouteDiscoveryStarted); got != 0 {
		t.Fatalf("RouteDiscoveryStarted events = %d, want 0", got)
	}
	if got := countEvents(evs, EventMessageDelivered); got != 1 {
		t.Fatalf("MessageDelivered events = %d, want 1", got)
	}
}

func TestNoNodeHoldsARouteToItself(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyMesh, 9)

	for _, n := range e.AllNodes() {
		n.SendMessage(context.Background(), "node-9", "ping")
		n.SendMessage(context.Background(), "node-1", "ping")
	}
	vs.Advance(2 * time.Second)

	for _, n := range e.AllNodes() {
		if r, ok := n.Route(n.ID()); ok {
			t.Fatalf("%s holds a route to itself: %+v", n.ID(), r)
		}
		for _, r := range n.Routes() {
			if r.HopCount > e.Config().MaxHops {
				t.Fatalf("%s route %+v exceeds max hops", n.ID(), r)
			}
		}
	}
}

func TestRemovedNextHopEvictsRoute(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryInterval = time.Second
	cfg.RouteMaintenanceInterval = 2 * time.Second
	e, vs := newTestEngine(t, cfg)
	settled(t, e, vs, model.TopologyLinear, 3)

	src := mustNode(t, e, "node-1")
	src.SendMessage(context.Background(), "node-3", "hello")
	vs.Advance(time.Second)
	if _, ok := src.Route("node-3"); !ok {
		t.Fatalf("no route to node-3 before removal")
	}

	events, cancel := e.Subscribe()
	defer cancel()
	if err := e.RemoveNode("node-2"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	vs.Advance(5 * time.Second)

	if src.IsConnected("node-2") {
		t.Fatalf("node-1 still linked to removed node")
	}
	if r, ok := src.Route("node-3"); ok {
		t.Fatalf("route through removed node survived: %+v", r)
	}

	var rerr bool
	for _, ev := range drain(events) {
		if ev.Type == EventRouteError && ev.NodeID == "node-1" && ev.Destination == "node-3" {
			rerr = true
		}
	}
	if !rerr {
		t.Fatalf("no RouteError from node-1 for node-3")
	}
	if err := e.RemoveNode("node-2"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("second RemoveNode err = %v, want ErrNodeNotFound", err)
	}
}

func TestMessageToRemovedNodeIsDropped(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 2)

	mustNode(t, e, "node-1").SendMessage(context.Background(), "node-2", "late")
	if err := e.RemoveNode("node-2"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	vs.Advance(time.Second)

	stats := e.RefreshTelemetry().Stats
	if stats.DroppedByReason[DropNodeDown] != 1 {
		t.Fatalf("node-down drops = %d, want 1 (%+v)", stats.DroppedByReason[DropNodeDown], stats)
	}
}

func TestLossModelDropsTransmissions(t *testing.T) {
	always := func(int) float64 { return 1 }
	e, vs := newTestEngine(t, testConfig(), WithLossModel(always))
	settled(t, e, vs, model.TopologyLinear, 2)

	mustNode(t, e, "node-1").SendMessage(context.Background(), "node-2", "gone")
	vs.Advance(time.Second)

	stats := e.RefreshTelemetry().Stats
	if stats.Delivered != 0 || stats.DroppedByReason[DropLost] != 1 {
		t.Fatalf("stats = %+v, want one lost message", stats)
	}
	if stats.DeliveryRate != 0 {
		t.Fatalf("DeliveryRate = %v, want 0", stats.DeliveryRate)
	}
}

func TestSnapshotMessageCountTracksDeliveries(t *testing.T) {
	lossy := false
	loss := func(int) float64 {
		if lossy {
			return 1
		}
		return 0
	}
	e, vs := newTestEngine(t, testConfig(), WithLossModel(loss))
	settled(t, e, vs, model.TopologyLinear, 2)

	src := mustNode(t, e, "node-1")
	src.SendMessage(context.Background(), "node-2", "one")
	src.SendMessage(context.Background(), "node-2", "two")
	vs.Advance(time.Second)

	lossy = true
	for i := 0; i < 3; i++ {
		src.SendMessage(context.Background(), "node-2", "lost")
	}
	vs.Advance(time.Second)

	snap := e.RefreshTelemetry()
	if snap.NodeCount != 2 || snap.ConnectionCount != 1 {
		t.Fatalf("nodes/connections = %d/%d, want 2/1", snap.NodeCount, snap.ConnectionCount)
	}
	if snap.Stats.Sent != 5 || snap.Stats.Delivered != 2 {
		t.Fatalf("sent/delivered = %d/%d, want 5/2", snap.Stats.Sent, snap.Stats.Delivered)
	}
	if snap.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2 delivered", snap.MessageCount)
	}
	if got := e.Snapshot().MessageCount; got != 2 {
		t.Fatalf("Snapshot().MessageCount = %d, want 2", got)
	}
}

func TestSnapshotListsNodesAndLinks(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	if err := e.InitializeCustom([]model.NodeSpec{
		{ID: "a", X: 0, Y: 0},
		{ID: "b", X: 30, Y: 0},
	}); err != nil {
		t.Fatalf("InitializeCustom: %v", err)
	}
	vs.Advance(time.Second)

	snap := e.Snapshot()
	want := TopologySnapshot{
		Nodes: []NodeSummary{
			{ID: "a", Name: "a", Position: model.Position{X: 0, Y: 0}, Enabled: true, Battery: 100, Connections: 1},
			{ID: "b", Name: "b", Position: model.Position{X: 30, Y: 0}, Enabled: true, Battery: 100, Connections: 1},
		},
		Connections: []ConnectionSummary{
			{A: "a", B: "b", SignalStrength: -70, Quality: LinkQualityFair},
		},
	}
	if diff := cmp.Diff(want, snap.Topology); diff != "" {
		t.Fatalf("topology mismatch (-want +got):\n%s", diff)
	}
	if !snap.Time.Equal(testEpoch.Add(time.Second)) {
		t.Fatalf("snapshot time = %v, want %v", snap.Time, testEpoch.Add(time.Second))
	}
}

func TestInitializeCustomRejectsDuplicateIDs(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	err := e.InitializeCustom([]model.NodeSpec{{ID: "a"}, {ID: "a", X: 10}})
	if !errors.Is(err, ErrNodeExists) {
		t.Fatalf("err = %v, want ErrNodeExists", err)
	}
	if err := e.InitializeCustom([]model.NodeSpec{{ID: ""}}); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("err = %v, want ErrInvalidNode", err)
	}
}

func TestOnSnapshotRunsEveryTelemetryInterval(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())

	var times []time.Time
	e.OnSnapshot(func(s StateSnapshot) { times = append(times, s.Time) })
	vs.Advance(3 * time.Second)

	want := []time.Time{
		testEpoch.Add(1 * time.Second),
		testEpoch.Add(2 * time.Second),
		testEpoch.Add(3 * time.Second),
	}
	if diff := cmp.Diff(want, times); diff != "" {
		t.Fatalf("snapshot times mismatch (-want +got):\n%s", diff)
	}
}

func TestClearKeepsEngineUsable(t *testing.T) {
	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 3)
	mustNode(t, e, "node-1").SendMessage(context.Background(), "node-3", "x")
	vs.Advance(time.Second)

	e.Clear()
	snap := e.RefreshTelemetry()
	if snap.NodeCount != 0 || snap.Stats.Sent != 0 || snap.Stats.WindowSamples != 0 {
		t.Fatalf("snapshot after Clear = %+v, want empty", snap)
	}
	if _, err := e.CreateNode("fresh", "", model.Position{}); err != nil {
		t.Fatalf("CreateNode after Clear: %v", err)
	}
}

func TestShutdownClosesStreamsAndRejectsNodes(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, vs := newTestEngine(t, testConfig())
	settled(t, e, vs, model.TopologyLinear, 2)

	events, _ := e.Subscribe()
	inbox, _ := mustNode(t, e, "node-2").Subscribe()

	e.Shutdown()
	e.Shutdown()

	drain(events)
	if _, ok := <-events; ok {
		t.Fatalf("event stream still open after Shutdown")
	}
	if _, ok := <-inbox; ok {
		t.Fatalf("inbound stream still open after Shutdown")
	}
	if _, err := e.CreateNode("late", "", model.Position{}); !errors.Is(err, ErrEngineShutDown) {
		t.Fatalf("CreateNode after Shutdown err = %v, want ErrEngineShutDown", err)
	}
	if got := len(e.AllNodes()); got != 0 {
		t.Fatalf("nodes after Shutdown = %d, want 0", got)
	}
	if n := vs.Pending(); n != 0 {
		t.Fatalf("pending events after Shutdown = %d, want 0", n)
	}
}
