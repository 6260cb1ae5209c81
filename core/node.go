package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

const tracerName = "github.com/signalsfoundry/mesh-simulator/core"

// environment is what a node needs from the simulation around it. The
// Engine implements it.
type environment interface {
	lookup(id string) *Node
	nodesInRange(n *Node) []*Node
	scheduler() sched.EventScheduler
	random() Rand
	loss(signal int) float64
	emit(ev Event)
}

// Neighbor is a node found by DiscoverNeighbors.
type Neighbor struct {
	ID       string
	Name     string
	Signal   int
	Distance float64
	Quality  LinkQuality
}

// Node is one simulated radio. All of its state is guarded by mu, and a node
// never holds mu while calling into another node, the scheduler or the
// environment.
type Node struct {
	id   string
	name string
	cfg  Config
	env  environment
	log  logging.Logger

	tracer trace.Tracer

	mu       sync.Mutex
	position model.Position
	enabled  bool
	shutdown bool
	conns    map[string]model.Connection
	routes   map[string]model.RouteEntry
	buffer   []model.BufferedMessage
	seq      int
	rreqID   int
	tasks    map[string]string

	inbound *broadcaster[model.InboundMessage]
}

func newNode(id, name string, pos model.Position, cfg Config, env environment, log logging.Logger) *Node {
	if name == "" {
		name = id
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Node{
		id:       id,
		name:     name,
		cfg:      cfg,
		env:      env,
		log:      log.With(logging.String("node", id)),
		tracer:   otel.Tracer(tracerName),
		position: pos,
		enabled:  true,
		conns:    make(map[string]model.Connection),
		routes:   make(map[string]model.RouteEntry),
		tasks:    make(map[string]string),
		inbound:  newBroadcaster[model.InboundMessage](cfg.InboundBuffer),
	}
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Name() string { return n.name }

// Position returns the node's current position.
func (n *Node) Position() model.Position {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.position
}

// SetPosition moves the node. Links that fall out of range are pruned by
// the next discovery pass.
func (n *Node) SetPosition(p model.Position) {
	n.mu.Lock()
	n.position = p
	n.mu.Unlock()
}

// Enabled reports the node's administrative state.
func (n *Node) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// SetEnabled switches the radio on or off. Switching it off drops every
// connection, route and buffered message.
func (n *Node) SetEnabled(enabled bool) {
	now := n.env.scheduler().Now()

	n.mu.Lock()
	if n.shutdown || n.enabled == enabled {
		n.mu.Unlock()
		return
	}
	n.enabled = enabled
	var lost []string
	var dropped []model.BufferedMessage
	if !enabled {
		for peer := range n.conns {
			lost = append(lost, peer)
		}
		dropped = n.buffer
		n.conns = make(map[string]model.Connection)
		n.routes = make(map[string]model.RouteEntry)
		n.buffer = nil
	}
	n.mu.Unlock()

	sort.Strings(lost)
	for _, peer := range lost {
		n.env.emit(Event{Type: EventConnectionLost, Time: now, NodeID: n.id, PeerID: peer})
	}
	for _, b := range dropped {
		n.drop(now, b.Message, DropNodeDown)
	}
	n.log.Info(context.Background(), "node enabled state changed", logging.Bool("enabled", enabled))
}

// Active reports whether the node is enabled and not shut down.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeLocked()
}

func (n *Node) activeLocked() bool {
	return n.enabled && !n.shutdown
}

// SequenceNumber returns the node's own destination sequence number.
func (n *Node) SequenceNumber() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Connections returns a copy of the node's links ordered by remote ID.
func (n *Node) Connections() []model.Connection {
	n.mu.Lock()
	out := make([]model.Connection, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// IsConnected reports whether the node holds a link to peerID.
func (n *Node) IsConnected(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[peerID]
	return ok
}

// Routes returns a copy of the routing table ordered by destination.
func (n *Node) Routes() []model.RouteEntry {
	n.mu.Lock()
	out := make([]model.RouteEntry, 0, len(n.routes))
	for _, r := range n.routes {
		out = append(out, r)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Route returns the routing-table entry for dest.
func (n *Node) Route(dest string) (model.RouteEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.routes[dest]
	return r, ok
}

// Buffered returns a copy of the messages waiting for a route.
func (n *Node) Buffered() []model.BufferedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.BufferedMessage(nil), n.buffer...)
}

// Subscribe returns the stream of DATA messages delivered to this node and
// a function that ends the subscription. The stream closes on Shutdown.
func (n *Node) Subscribe() (<-chan model.InboundMessage, func()) {
	return n.inbound.subscribe()
}

// DiscoverNeighbors returns the active nodes within radio range whose
// signal clears the minimum RSSI, ordered by ID.
func (n *Node) DiscoverNeighbors() []Neighbor {
	if !n.Active() {
		return nil
	}
	pos := n.Position()

	var out []Neighbor
	for _, peer := range n.env.nodesInRange(n) {
		if peer.id == n.id || !peer.Active() {
			continue
		}
		peerPos := peer.Position()
		signal, ok := n.cfg.Radio.Reachable(pos, peerPos)
		if !ok {
			continue
		}
		out = append(out, Neighbor{
			ID:       peer.id,
			Name:     peer.name,
			Signal:   signal,
			Distance: Distance(pos, peerPos),
			Quality:  QualityTier(signal),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectTo establishes a symmetric link with peerID. It fails when either
// side is inactive, the peer is unknown or out of range, or the link exists.
func (n *Node) ConnectTo(peerID string) bool {
	if peerID == n.id || !n.Active() {
		return false
	}
	peer := n.env.lookup(peerID)
	if peer == nil || !peer.Active() {
		return false
	}
	if n.IsConnected(peerID) {
		return false
	}
	signal, ok := n.cfg.Radio.Reachable(n.Position(), peer.Position())
	if !ok {
		return false
	}

	now := n.env.scheduler().Now()
	conn := model.Connection{
		LocalID:        n.id,
		RemoteID:       peerID,
		SignalStrength: signal,
		EstablishedAt:  now,
	}
	if !peer.AcceptConnection(conn.Mirror()) {
		return false
	}

	n.mu.Lock()
	if !n.activeLocked() {
		n.mu.Unlock()
		return false
	}
	if _, exists := n.conns[peerID]; exists {
		// The peer connected to us concurrently; its link stands.
		n.mu.Unlock()
		return false
	}
	n.conns[peerID] = conn
	n.mu.Unlock()

	n.env.emit(Event{Type: EventConnectionEstablished, Time: now, NodeID: n.id, PeerID: peerID})
	n.log.Debug(context.Background(), "connection established",
		logging.String("peer", peerID),
		logging.Int("signal_dbm", signal),
		logging.String("quality", string(QualityTier(signal))),
	)
	return true
}

// AcceptConnection installs the peer side of a link initiated by another
// node. conn is seen from this node (LocalID is this node). It is safe for
// concurrent callers and idempotent.
func (n *Node) AcceptConnection(conn model.Connection) bool {
	if conn.LocalID != n.id || conn.RemoteID == "" || conn.RemoteID == n.id {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.activeLocked() {
		return false
	}
	if _, exists := n.conns[conn.RemoteID]; !exists {
		n.conns[conn.RemoteID] = conn
	}
	return true
}

// disconnect removes the link to peerID on this side only.
func (n *Node) disconnect(peerID string) bool {
	n.mu.Lock()
	_, ok := n.conns[peerID]
	delete(n.conns, peerID)
	n.mu.Unlock()

	if ok {
		n.env.emit(Event{Type: EventConnectionLost, Time: n.env.scheduler().Now(), NodeID: n.id, PeerID: peerID})
	}
	return ok
}

// SendMessage originates a DATA message. It is handed to the destination
// directly when linked, along a known route otherwise, and failing both it
// is buffered while a route discovery runs. It returns false only when the
// node is inactive or the destination is empty.
func (n *Node) SendMessage(ctx context.Context, destination, content string) bool {
	ctx, span := n.tracer.Start(ctx, "Node.SendMessage", trace.WithAttributes(
		attribute.String("mesh.node", n.id),
		attribute.String("mesh.destination", destination),
	))
	defer span.End()

	if destination == "" {
		span.SetStatus(codes.Error, "empty destination")
		return false
	}

	now := n.env.scheduler().Now()
	n.mu.Lock()
	if !n.activeLocked() {
		n.mu.Unlock()
		span.SetStatus(codes.Error, "node inactive")
		return false
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		Source:         n.id,
		Destination:    destination,
		Content:        content,
		Kind:           model.KindData,
		MaxHops:        n.cfg.MaxHops,
		SequenceNumber: n.seq,
		CreatedAt:      now,
	}
	n.mu.Unlock()

	span.SetAttributes(attribute.String("mesh.message_id", msg.ID))
	n.env.emit(messageEvent(EventMessageSent, now, n.id, msg))

	if destination == n.id {
		n.deliver(now, msg)
		span.SetAttributes(attribute.String("mesh.path", "local"))
		return true
	}
	if n.forward(msg) {
		span.SetAttributes(attribute.String("mesh.path", "routed"))
		return true
	}

	n.mu.Lock()
	n.buffer = append(n.buffer, model.BufferedMessage{
		Message:          msg,
		RetriesRemaining: n.cfg.BufferRetries,
		BufferedAt:       now,
	})
	n.mu.Unlock()

	span.SetAttributes(attribute.String("mesh.path", "buffered"))
	n.startDiscovery(ctx, destination)
	return true
}

// Shutdown stops the node for good: scheduled tasks are cancelled, state is
// cleared and inbound subscribers are closed. In-flight deliveries to the
// node are dropped on arrival.
func (n *Node) Shutdown() {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return
	}
	n.shutdown = true
	tasks := n.tasks
	n.tasks = make(map[string]string)
	n.conns = make(map[string]model.Connection)
	n.routes = make(map[string]model.RouteEntry)
	n.buffer = nil
	n.mu.Unlock()

	s := n.env.scheduler()
	for _, id := range tasks {
		s.Cancel(id)
	}
	n.inbound.close()
}

func (n *Node) deliver(now time.Time, msg model.Message) {
	n.inbound.publish(model.InboundMessage{
		ID:          msg.ID,
		Content:     msg.Content,
		Source:      msg.Source,
		Destination: msg.Destination,
		HopCount:    msg.HopCount,
		DeliveredAt: now,
	})
	n.env.emit(messageEvent(EventMessageDelivered, now, n.id, msg))
}

func (n *Node) drop(now time.Time, msg model.Message, reason DropReason) {
	ev := messageEvent(EventMessageDropped, now, n.id, msg)
	ev.Reason = reason
	n.env.emit(ev)
}
