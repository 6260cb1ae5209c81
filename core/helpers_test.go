package core

import (
	"testing"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

var testEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// quiet is long enough that a periodic task never fires inside a test.
const quiet = 1000 * time.Hour

// testConfig returns a lossless, jitter-free configuration whose periodic
// node tasks stay out of the way unless a test turns them on.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoConnect = false
	cfg.HopJitter = 0
	cfg.DiscoveryInterval = quiet
	cfg.BufferRetryInterval = quiet
	cfg.RouteMaintenanceInterval = quiet
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...EngineOption) (*Engine, *sched.VirtualScheduler) {
	t.Helper()
	vs := sched.NewVirtualScheduler(testEpoch)
	opts = append([]EngineOption{WithScheduler(vs), WithLossModel(NoLoss)}, opts...)
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e, vs
}

// settled initialises kind with n nodes and runs the proximity pass.
func settled(t *testing.T, e *Engine, vs *sched.VirtualScheduler, kind model.TopologyKind, n int) {
	t.Helper()
	if err := e.Initialize(kind, n); err != nil {
		t.Fatalf("Initialize(%s, %d): %v", kind, n, err)
	}
	vs.Advance(e.Config().SettleDelay + time.Millisecond)
}

func mustNode(t *testing.T, e *Engine, id string) *Node {
	t.Helper()
	n, ok := e.GetNode(id)
	if !ok {
		t.Fatalf("node %q not found", id)
	}
	return n
}

// drain returns whatever is buffered on ch without blocking.
func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
