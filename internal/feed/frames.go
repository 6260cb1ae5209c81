package feed

import (
	"time"

	"github.com/signalsfoundry/mesh-simulator/core"
)

const (
	KindEvent    = "event"
	KindSnapshot = "snapshot"
)

// Frame is one JSON message on the feed. Exactly one of Event and Snapshot
// is set, as named by Kind.
type Frame struct {
	Kind     string         `json:"kind"`
	Time     time.Time      `json:"time"`
	Event    *EventFrame    `json:"event,omitempty"`
	Snapshot *SnapshotFrame `json:"snapshot,omitempty"`
}

type EventFrame struct {
	Type        string `json:"type"`
	NodeID      string `json:"node_id,omitempty"`
	PeerID      string `json:"peer_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	MessageKind string `json:"message_kind,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	HopCount    int    `json:"hop_count,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type SnapshotFrame struct {
	Nodes           []NodeFrame `json:"nodes"`
	Links           []LinkFrame `json:"links"`
	MessageCount    int         `json:"message_count"`
	AverageHopCount float64     `json:"average_hop_count"`
	DeliveryRate    float64     `json:"delivery_rate"`
	Buffered        int         `json:"buffered"`
}

type NodeFrame struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Enabled bool    `json:"enabled"`
	Routes  int     `json:"routes"`
}

type LinkFrame struct {
	A       string `json:"a"`
	B       string `json:"b"`
	Signal  int    `json:"signal"`
	Quality string `json:"quality"`
}

func eventFrame(ev core.Event) Frame {
	return Frame{
		Kind: KindEvent,
		Time: ev.Time,
		Event: &EventFrame{
			Type:        string(ev.Type),
			NodeID:      ev.NodeID,
			PeerID:      ev.PeerID,
			MessageID:   ev.MessageID,
			MessageKind: string(ev.Kind),
			Source:      ev.Source,
			Destination: ev.Destination,
			HopCount:    ev.HopCount,
			Reason:      string(ev.Reason),
		},
	}
}

func snapshotFrame(s core.StateSnapshot) Frame {
	sf := &SnapshotFrame{
		Nodes:           make([]NodeFrame, 0, len(s.Topology.Nodes)),
		Links:           make([]LinkFrame, 0, len(s.Topology.Connections)),
		MessageCount:    s.MessageCount,
		AverageHopCount: s.Stats.AverageHopCount,
		DeliveryRate:    s.Stats.DeliveryRate,
		Buffered:        s.Stats.Buffered,
	}
	for _, n := range s.Topology.Nodes {
		sf.Nodes = append(sf.Nodes, NodeFrame{
			ID:      n.ID,
			Name:    n.Name,
			X:       n.Position.X,
			Y:       n.Position.Y,
			Enabled: n.Enabled,
			Routes:  n.Routes,
		})
	}
	for _, c := range s.Topology.Connections {
		sf.Links = append(sf.Links, LinkFrame{A: c.A, B: c.B, Signal: c.SignalStrength, Quality: string(c.Quality)})
	}
	return Frame{Kind: KindSnapshot, Time: s.Time, Snapshot: sf}
}
