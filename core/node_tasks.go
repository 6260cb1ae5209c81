package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

const (
	taskDiscovery   = "discovery"
	taskBufferRetry = "buffer-retry"
	taskRouteMaint  = "route-maintenance"
)

// startTasks schedules the node's periodic work. Each task starts at a
// random phase within its interval so nodes do not act in lockstep.
func (n *Node) startTasks() {
	n.every(taskDiscovery, n.cfg.DiscoveryInterval, n.discoverAndConnect)
	n.every(taskBufferRetry, n.cfg.BufferRetryInterval, n.retryBuffered)
	n.every(taskRouteMaint, n.cfg.RouteMaintenanceInterval, n.maintainRoutes)
}

func (n *Node) every(name string, interval time.Duration, fn func()) {
	var run func()
	run = func() {
		n.mu.Lock()
		stopped := n.shutdown
		n.mu.Unlock()
		if stopped {
			return
		}
		fn()
		n.scheduleTask(name, interval, run)
	}
	n.scheduleTask(name, jitter(n.env.random(), interval), run)
}

func (n *Node) scheduleTask(name string, d time.Duration, f func()) {
	s := n.env.scheduler()
	id := sched.After(s, d, f)

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		s.Cancel(id)
		return
	}
	n.tasks[name] = id
	n.mu.Unlock()
}

// discoverAndConnect prunes links that no longer hold and, with
// auto-connect on, links to every strong enough neighbour.
func (n *Node) discoverAndConnect() {
	if !n.Active() {
		return
	}
	n.pruneConnections()
	if !n.cfg.AutoConnect {
		return
	}
	for _, nb := range n.DiscoverNeighbors() {
		if nb.Signal < n.cfg.AutoConnectRSSI || n.IsConnected(nb.ID) {
			continue
		}
		n.ConnectTo(nb.ID)
	}
}

// pruneConnections drops links whose peer is gone, inactive or out of range.
func (n *Node) pruneConnections() {
	pos := n.Position()
	for _, c := range n.Connections() {
		peer := n.env.lookup(c.RemoteID)
		if peer != nil && peer.Active() {
			if _, ok := n.cfg.Radio.Reachable(pos, peer.Position()); ok {
				continue
			}
		}
		if n.disconnect(c.RemoteID) {
			n.log.Debug(context.Background(), "connection lost", logging.String("peer", c.RemoteID))
		}
	}
}

// retryBuffered walks the buffer: expired entries are dropped, routable ones
// sent, the rest spend a retry and trigger one fresh discovery per
// destination. Entries with no retries left are dropped.
func (n *Node) retryBuffered() {
	now := n.env.scheduler().Now()

	n.mu.Lock()
	if !n.activeLocked() || len(n.buffer) == 0 {
		n.mu.Unlock()
		return
	}
	pending := n.buffer
	n.buffer = nil
	n.mu.Unlock()

	var keep []model.BufferedMessage
	var rediscover []string
	seen := make(map[string]bool)
	for _, b := range pending {
		if now.Sub(b.BufferedAt) > n.cfg.BufferTimeout {
			n.drop(now, b.Message, DropBufferTimeout)
			continue
		}
		if n.forward(b.Message) {
			continue
		}
		if b.RetriesRemaining <= 0 {
			n.drop(now, b.Message, DropRetriesExhausted)
			continue
		}
		b.RetriesRemaining--
		keep = append(keep, b)
		if dest := b.Message.Destination; !seen[dest] {
			seen[dest] = true
			rediscover = append(rediscover, dest)
		}
	}

	n.mu.Lock()
	n.buffer = append(keep, n.buffer...)
	n.mu.Unlock()

	for _, dest := range rediscover {
		n.startDiscovery(context.Background(), dest)
	}
}

// maintainRoutes evicts routes that timed out or whose next hop is no
// longer linked, and reports each with an RERR.
func (n *Node) maintainRoutes() {
	now := n.env.scheduler().Now()

	n.mu.Lock()
	if !n.activeLocked() {
		n.mu.Unlock()
		return
	}
	var evicted []model.RouteEntry
	for dest, r := range n.routes {
		_, linked := n.conns[r.NextHop]
		if !linked || now.Sub(r.UpdatedAt) > n.cfg.RouteTimeout {
			delete(n.routes, dest)
			evicted = append(evicted, r)
		}
	}
	seq := n.seq
	n.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Destination < evicted[j].Destination })
	for _, r := range evicted {
		rerr := model.Message{
			ID:             uuid.NewString(),
			Source:         n.id,
			Kind:           model.KindRERR,
			MaxHops:        n.cfg.MaxHops,
			SequenceNumber: seq,
			CreatedAt:      now,
			Target:         r.Destination,
			TargetSeq:      r.SequenceNumber,
		}
		n.env.emit(Event{
			Type:        EventRouteError,
			Time:        now,
			NodeID:      n.id,
			PeerID:      r.Destination,
			MessageID:   rerr.ID,
			Kind:        rerr.Kind,
			Source:      n.id,
			Destination: r.Destination,
		})
		n.broadcast(rerr, "")
	}
	if len(evicted) > 0 {
		n.log.Debug(context.Background(), "evicted stale routes", logging.Int("count", len(evicted)))
	}
}
