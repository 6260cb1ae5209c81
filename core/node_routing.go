package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// transmit sends a copy of msg over the link to peerID. The hop count is
// incremented, the loss draw is made now and delivery happens after the hop
// delay. It returns false when there is no such link.
func (n *Node) transmit(peerID string, msg model.Message) bool {
	n.mu.Lock()
	conn, ok := n.conns[peerID]
	active := n.activeLocked()
	n.mu.Unlock()
	if !active || !ok {
		return false
	}

	msg.HopCount++
	rnd := n.env.random()
	lost := rnd.Float64() < n.env.loss(conn.SignalStrength)
	delay := n.cfg.HopDelay + jitter(rnd, n.cfg.HopJitter)

	from := n.id
	env := n.env
	sched.After(env.scheduler(), delay, func() {
		now := env.scheduler().Now()
		if lost {
			n.drop(now, msg, DropLost)
			return
		}
		peer := env.lookup(peerID)
		if peer == nil {
			n.drop(now, msg, DropNodeDown)
			return
		}
		peer.ReceiveMessage(msg, from)
	})
	return true
}

// broadcast transmits msg to every linked peer except skip.
func (n *Node) broadcast(msg model.Message, skip string) int {
	n.mu.Lock()
	peers := make([]string, 0, len(n.conns))
	for peer := range n.conns {
		if peer != skip {
			peers = append(peers, peer)
		}
	}
	n.mu.Unlock()

	sort.Strings(peers)
	sent := 0
	for _, peer := range peers {
		if n.transmit(peer, msg) {
			sent++
		}
	}
	return sent
}

// nextHop resolves where a message for dest goes: the destination itself
// when linked, else the next hop of a usable route. A route whose next hop
// is no longer linked is discarded.
func (n *Node) nextHop(dest string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextHopLocked(dest, true)
}

func (n *Node) nextHopLocked(dest string, evictStale bool) (string, bool) {
	if _, ok := n.conns[dest]; ok {
		return dest, true
	}
	r, ok := n.routes[dest]
	if !ok {
		return "", false
	}
	if _, ok := n.conns[r.NextHop]; !ok {
		if evictStale {
			delete(n.routes, dest)
		}
		return "", false
	}
	return r.NextHop, true
}

// forward hands msg to the next hop toward its destination.
func (n *Node) forward(msg model.Message) bool {
	hop, ok := n.nextHop(msg.Destination)
	if !ok {
		return false
	}
	return n.transmit(hop, msg)
}

// ReceiveMessage processes a message that arrived over the link from
// fromPeer. Every message teaches a reverse route to its source; the rest
// depends on the message kind.
func (n *Node) ReceiveMessage(msg model.Message, fromPeer string) {
	if msg.Source == n.id {
		// Our own flood echoed back.
		return
	}
	now := n.env.scheduler().Now()

	n.mu.Lock()
	if !n.activeLocked() {
		n.mu.Unlock()
		n.drop(now, msg, DropNodeDown)
		return
	}
	improved := n.learnRouteLocked(model.RouteEntry{
		Destination:    msg.Source,
		NextHop:        fromPeer,
		HopCount:       msg.HopCount,
		SequenceNumber: msg.SequenceNumber,
		UpdatedAt:      now,
	})
	n.mu.Unlock()

	if improved {
		n.flushRoutable()
	}

	switch msg.Kind {
	case model.KindData:
		n.handleData(now, msg)
	case model.KindRREQ:
		n.handleRouteRequest(now, msg, fromPeer, improved)
	case model.KindRREP:
		n.handleRouteReply(now, msg, fromPeer, improved)
	case model.KindRERR:
		n.handleRouteError(now, msg, fromPeer)
	default:
		n.log.Warn(context.Background(), "dropping message of unknown kind",
			logging.String("kind", string(msg.Kind)),
			logging.String("from", fromPeer),
		)
	}
}

func (n *Node) handleData(now time.Time, msg model.Message) {
	if msg.Destination == n.id {
		n.deliver(now, msg)
		return
	}
	if !msg.CanForward() {
		n.drop(now, msg, DropHopLimit)
		return
	}
	if !n.forward(msg) {
		// Intermediate nodes do not buffer; the message is lost here.
		n.drop(now, msg, DropNoRoute)
	}
}

// handleRouteRequest answers or re-floods an RREQ. Only a copy that
// installed or improved the reverse route to the originator is acted on,
// which is what keeps the flood finite.
func (n *Node) handleRouteRequest(now time.Time, msg model.Message, from string, improved bool) {
	if !improved {
		return
	}

	if msg.Destination == n.id {
		n.mu.Lock()
		if msg.TargetSeq > n.seq {
			n.seq = msg.TargetSeq
		}
		n.seq++
		seq := n.seq
		n.mu.Unlock()

		n.reply(now, msg, from, n.id, seq, 0)
		return
	}

	n.mu.Lock()
	route, known := n.routes[msg.Destination]
	_, usable := n.nextHopLocked(msg.Destination, false)
	n.mu.Unlock()
	// A route back through the requester would only bounce traffic between us.
	if known && usable && route.NextHop != from && route.SequenceNumber >= msg.TargetSeq {
		n.reply(now, msg, from, msg.Destination, route.SequenceNumber, route.HopCount)
		return
	}

	if !msg.CanForward() {
		return
	}
	n.broadcast(msg, from)
}

// reply unicasts an RREP for req back over the link it arrived on.
func (n *Node) reply(now time.Time, req model.Message, via, target string, targetSeq, targetHops int) {
	n.mu.Lock()
	seq := n.seq
	n.mu.Unlock()

	rep := model.Message{
		ID:             uuid.NewString(),
		Source:         n.id,
		Destination:    req.Source,
		Kind:           model.KindRREP,
		MaxHops:        n.cfg.MaxHops,
		SequenceNumber: seq,
		CreatedAt:      now,
		Target:         target,
		TargetSeq:      targetSeq,
		TargetHops:     targetHops,
		RequestID:      req.RequestID,
	}
	n.transmit(via, rep)
}

func (n *Node) handleRouteReply(now time.Time, msg model.Message, from string, improved bool) {
	installed := false
	if msg.Target != "" && msg.Target != n.id {
		n.mu.Lock()
		installed = n.learnRouteLocked(model.RouteEntry{
			Destination:    msg.Target,
			NextHop:        from,
			HopCount:       msg.TargetHops + msg.HopCount,
			SequenceNumber: msg.TargetSeq,
			UpdatedAt:      now,
		})
		n.mu.Unlock()
		if installed {
			n.flushRoutable()
		}
	}

	if msg.Destination == n.id {
		if installed || improved {
			route, _ := n.Route(msg.Target)
			n.env.emit(Event{
				Type:      EventRouteDiscoveryCompleted,
				Time:      now,
				NodeID:    n.id,
				PeerID:    msg.Target,
				MessageID: msg.ID,
				Kind:      msg.Kind,
				HopCount:  route.HopCount,
			})
		}
		return
	}

	if !msg.CanForward() {
		return
	}
	n.forward(msg)
}

// handleRouteError drops the named route when it runs through the reporting
// neighbour and passes the error on only if something was removed.
func (n *Node) handleRouteError(now time.Time, msg model.Message, from string) {
	n.mu.Lock()
	r, ok := n.routes[msg.Target]
	removed := ok && r.NextHop == from
	if removed {
		delete(n.routes, msg.Target)
	}
	n.mu.Unlock()

	if !removed {
		return
	}
	n.env.emit(Event{
		Type:        EventRouteError,
		Time:        now,
		NodeID:      n.id,
		PeerID:      msg.Target,
		MessageID:   msg.ID,
		Kind:        msg.Kind,
		Source:      msg.Source,
		Destination: msg.Target,
		HopCount:    msg.HopCount,
	})
	if msg.CanForward() {
		n.broadcast(msg, from)
	}
}

// learnRouteLocked installs candidate when no usable route exists or when
// it is fresher, or equally fresh and shorter. An identical route only has
// its timestamp refreshed. It reports whether the table changed.
func (n *Node) learnRouteLocked(candidate model.RouteEntry) bool {
	if candidate.Destination == "" || candidate.Destination == n.id || candidate.NextHop == "" {
		return false
	}
	if _, linked := n.conns[candidate.NextHop]; !linked {
		return false
	}

	cur, ok := n.routes[candidate.Destination]
	if ok {
		if _, linked := n.conns[cur.NextHop]; !linked {
			ok = false
		}
	}
	switch {
	case !ok || cur.Better(candidate):
		n.routes[candidate.Destination] = candidate
		return true
	case cur.SamePath(candidate):
		cur.UpdatedAt = candidate.UpdatedAt
		n.routes[candidate.Destination] = cur
	}
	return false
}

// startDiscovery floods an RREQ for dest.
func (n *Node) startDiscovery(ctx context.Context, dest string) {
	_, span := n.tracer.Start(ctx, "Node.RouteDiscovery", trace.WithAttributes(
		attribute.String("mesh.node", n.id),
		attribute.String("mesh.destination", dest),
	))
	defer span.End()

	now := n.env.scheduler().Now()
	n.mu.Lock()
	if !n.activeLocked() {
		n.mu.Unlock()
		return
	}
	n.seq++
	n.rreqID++
	targetSeq := 0
	if r, ok := n.routes[dest]; ok {
		targetSeq = r.SequenceNumber
	}
	req := model.Message{
		ID:             uuid.NewString(),
		Source:         n.id,
		Destination:    dest,
		Kind:           model.KindRREQ,
		MaxHops:        n.cfg.MaxHops,
		SequenceNumber: n.seq,
		CreatedAt:      now,
		Target:         dest,
		TargetSeq:      targetSeq,
		RequestID:      n.rreqID,
	}
	n.mu.Unlock()

	n.env.emit(Event{
		Type:        EventRouteDiscoveryStarted,
		Time:        now,
		NodeID:      n.id,
		PeerID:      dest,
		MessageID:   req.ID,
		Kind:        req.Kind,
		Source:      n.id,
		Destination: dest,
	})
	sent := n.broadcast(req, "")
	span.SetAttributes(attribute.Int("mesh.rreq_fanout", sent))
	n.log.Debug(ctx, "route discovery started",
		logging.String("destination", dest),
		logging.Int("request_id", req.RequestID),
		logging.Int("fanout", sent),
	)
}

// flushRoutable sends every buffered message that now has a next hop.
func (n *Node) flushRoutable() {
	n.mu.Lock()
	if len(n.buffer) == 0 {
		n.mu.Unlock()
		return
	}
	var ready, keep []model.BufferedMessage
	for _, b := range n.buffer {
		if _, ok := n.nextHopLocked(b.Message.Destination, false); ok {
			ready = append(ready, b)
		} else {
			keep = append(keep, b)
		}
	}
	n.buffer = keep
	n.mu.Unlock()

	var failed []model.BufferedMessage
	for _, b := range ready {
		if !n.forward(b.Message) {
			failed = append(failed, b)
		}
	}
	if len(failed) > 0 {
		n.mu.Lock()
		n.buffer = append(failed, n.buffer...)
		n.mu.Unlock()
	}
}
