package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// Engine owns the nodes of one simulation, the clock they run on and the
// telemetry derived from them.
type Engine struct {
	cfg      Config
	log      logging.Logger
	sched    sched.EventScheduler
	rnd      Rand
	lossFn   LossModel
	metrics  MetricsRecorder
	registry *Registry
	events   *broadcaster[Event]
	telem    *telemetry

	mu        sync.Mutex
	snapshot  StateSnapshot
	topology  model.TopologyKind
	tasks     map[string]string
	shutdown  bool
	listeners []func(StateSnapshot)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScheduler runs the engine on s. The default is a VirtualScheduler.
func WithScheduler(s sched.EventScheduler) EngineOption {
	return func(e *Engine) { e.sched = s }
}

// WithRand injects the random source. The default is seeded from Config.Seed.
func WithRand(r Rand) EngineOption {
	return func(e *Engine) { e.rnd = r }
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMetricsRecorder attaches an optional metrics sink.
func WithMetricsRecorder(m MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLossModel replaces PacketLossProbability; NoLoss disables loss.
func WithLossModel(fn LossModel) EngineOption {
	return func(e *Engine) { e.lossFn = fn }
}

// NewEngine validates cfg and builds an engine with no nodes.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: NewRegistry(),
		events:   newBroadcaster[Event](cfg.EventBuffer),
		telem:    newTelemetry(cfg.MetricsWindow),
		tasks:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Noop()
	}
	if e.sched == nil {
		e.sched = sched.NewVirtualScheduler(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	}
	if e.rnd == nil {
		e.rnd = NewRand(cfg.Seed)
	}
	if e.lossFn == nil {
		e.lossFn = PacketLossProbability
	}

	e.scheduleTelemetry()
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Scheduler returns the scheduler the engine runs on.
func (e *Engine) Scheduler() sched.EventScheduler { return e.sched }

// Topology returns the kind of the last Initialize call.
func (e *Engine) Topology() model.TopologyKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topology
}

// Initialize replaces the current nodes with nodeCount nodes laid out as
// kind, then runs a proximity pass once the settle delay has elapsed. A
// node count the layout cannot use is logged and leaves the engine empty.
func (e *Engine) Initialize(kind model.TopologyKind, nodeCount int) error {
	if kind == model.TopologyCustom {
		return fmt.Errorf("%w: custom topologies need node specs", ErrInvalidConfig)
	}
	specs, err := Layout(kind, nodeCount, e.cfg.Spacing, e.rnd)
	if errors.Is(err, ErrDegenerateTopology) {
		e.Clear()
		e.log.Warn(context.Background(), "topology not built", logging.String("topology", string(kind)), logging.Err(err))
		return nil
	}
	if err != nil {
		return err
	}
	return e.build(kind, specs)
}

// InitializeCustom replaces the current nodes with the given specs.
func (e *Engine) InitializeCustom(specs []model.NodeSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("%w: empty node ID", ErrInvalidNode)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %q", ErrNodeExists, s.ID)
		}
		seen[s.ID] = true
	}
	return e.build(model.TopologyCustom, specs)
}

func (e *Engine) build(kind model.TopologyKind, specs []model.NodeSpec) error {
	e.Clear()

	e.mu.Lock()
	e.topology = kind
	e.mu.Unlock()

	for _, s := range specs {
		if _, err := e.CreateNode(s.ID, s.Name, s.Position()); err != nil {
			return err
		}
	}
	e.scheduleTask("settle", e.cfg.SettleDelay, func() {
		made := e.ProximityPass()
		e.log.Info(context.Background(), "proximity pass complete",
			logging.String("topology", string(kind)),
			logging.Int("nodes", e.registry.Len()),
			logging.Int("connections", made),
		)
	})
	e.log.Info(context.Background(), "topology initialised",
		logging.String("topology", string(kind)),
		logging.Int("nodes", len(specs)),
	)
	return nil
}

// ProximityPass links every pair of active nodes that are within reach and
// not yet linked. It returns the number of links created.
func (e *Engine) ProximityPass() int {
	nodes := e.registry.All()
	made := 0
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if a.IsConnected(b.ID()) {
				continue
			}
			if a.ConnectTo(b.ID()) {
				made++
			}
		}
	}
	return made
}

// CreateNode adds a node at pos and starts its periodic tasks.
func (e *Engine) CreateNode(id, name string, pos model.Position) (*Node, error) {
	e.mu.Lock()
	closed := e.shutdown
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineShutDown
	}

	n := newNode(id, name, pos, e.cfg, e, e.log)
	if err := e.registry.Add(n); err != nil {
		return nil, err
	}
	n.startTasks()
	e.emit(Event{Type: EventNodeAdded, Time: e.sched.Now(), NodeID: id})
	return n, nil
}

// RemoveNode shuts a node down and forgets it. Peers notice on their next
// discovery pass and routes through it age out or are torn down by RERR.
func (e *Engine) RemoveNode(id string) error {
	n, err := e.registry.Remove(id)
	if err != nil {
		return err
	}
	n.Shutdown()
	e.emit(Event{Type: EventNodeRemoved, Time: e.sched.Now(), NodeID: id})
	return nil
}

// GetNode returns the node with the given ID.
func (e *Engine) GetNode(id string) (*Node, bool) {
	n := e.registry.Get(id)
	return n, n != nil
}

// AllNodes returns every node ordered by ID.
func (e *Engine) AllNodes() []*Node {
	return e.registry.All()
}

// NodesInRange returns the other nodes within radio range of n, ordered by ID.
func (e *Engine) NodesInRange(n *Node) []*Node {
	if n == nil {
		return nil
	}
	pos := n.Position()
	var out []*Node
	for _, peer := range e.registry.All() {
		if peer == n {
			continue
		}
		if Distance(pos, peer.Position()) <= e.cfg.Radio.Range {
			out = append(out, peer)
		}
	}
	return out
}

// Subscribe returns the engine's event stream and a function that ends the
// subscription. Slow subscribers miss events rather than stall the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// OnSnapshot registers a callback run after every telemetry refresh.
func (e *Engine) OnSnapshot(fn func(StateSnapshot)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Snapshot returns the most recent telemetry snapshot.
func (e *Engine) Snapshot() StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// RefreshTelemetry recomputes the snapshot now and returns it.
func (e *Engine) RefreshTelemetry() StateSnapshot {
	nodes := e.registry.All()
	topo := buildTopology(nodes)
	stats := e.telem.stats()

	for _, ns := range topo.Nodes {
		stats.Buffered += ns.Buffered
	}
	snap := StateSnapshot{
		Time:            e.sched.Now(),
		NodeCount:       len(nodes),
		ConnectionCount: len(topo.Connections),
		MessageCount:    stats.Delivered,
		Topology:        topo,
		Stats:           stats,
	}

	if e.metrics != nil {
		e.metrics.SetMeshCounts(snap.NodeCount, snap.ConnectionCount, stats.Buffered)
		e.metrics.SetDeliveryStats(stats.AverageHopCount, stats.DeliveryRate)
	}

	e.mu.Lock()
	e.snapshot = snap
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return snap
}

// Clear shuts down and removes every node and resets telemetry. The engine
// stays usable.
func (e *Engine) Clear() {
	e.mu.Lock()
	if id, ok := e.tasks["settle"]; ok {
		e.sched.Cancel(id)
		delete(e.tasks, "settle")
	}
	e.mu.Unlock()

	now := e.sched.Now()
	for _, n := range e.registry.Drain() {
		n.Shutdown()
		e.emit(Event{Type: EventNodeRemoved, Time: now, NodeID: n.ID()})
	}
	e.telem.reset()
}

// Shutdown stops every node and the engine's own tasks and closes the
// event stream. It is idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	tasks := e.tasks
	e.tasks = make(map[string]string)
	e.mu.Unlock()

	for _, id := range tasks {
		e.sched.Cancel(id)
	}
	for _, n := range e.registry.Drain() {
		n.Shutdown()
	}
	e.events.close()
	e.log.Info(context.Background(), "engine shut down")
}

func (e *Engine) scheduleTelemetry() {
	var run func()
	run = func() {
		e.RefreshTelemetry()
		e.scheduleTask("telemetry", e.cfg.TelemetryInterval, run)
	}
	e.scheduleTask("telemetry", e.cfg.TelemetryInterval, run)
}

func (e *Engine) scheduleTask(name string, d time.Duration, f func()) {
	id := sched.After(e.sched, d, f)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		e.sched.Cancel(id)
		return
	}
	e.tasks[name] = id
}

// environment

func (e *Engine) lookup(id string) *Node          { return e.registry.Get(id) }
func (e *Engine) nodesInRange(n *Node) []*Node    { return e.NodesInRange(n) }
func (e *Engine) scheduler() sched.EventScheduler { return e.sched }
func (e *Engine) random() Rand                    { return e.rnd }
func (e *Engine) loss(signal int) float64         { return e.lossFn(signal) }

func (e *Engine) emit(ev Event) {
	e.telem.observe(ev, e.metrics)
	e.events.publish(ev)
}
