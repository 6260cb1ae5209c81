package core

import (
	"time"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// EventType names a simulation lifecycle event.
type EventType string

const (
	EventNodeAdded               EventType = "NODE_ADDED"
	EventNodeRemoved             EventType = "NODE_REMOVED"
	EventConnectionEstablished   EventType = "CONNECTION_ESTABLISHED"
	EventConnectionLost          EventType = "CONNECTION_LOST"
	EventMessageSent             EventType = "MESSAGE_SENT"
	EventMessageDelivered        EventType = "MESSAGE_DELIVERED"
	EventMessageDropped          EventType = "MESSAGE_DROPPED"
	EventRouteDiscoveryStarted   EventType = "ROUTE_DISCOVERY_STARTED"
	EventRouteDiscoveryCompleted EventType = "ROUTE_DISCOVERY_COMPLETED"
	EventRouteError              EventType = "ROUTE_ERROR"
)

// DropReason says why a message went no further.
type DropReason string

const (
	DropHopLimit         DropReason = "hop-limit"
	DropNoRoute          DropReason = "no-route"
	DropLost             DropReason = "lost"
	DropBufferTimeout    DropReason = "buffer-timeout"
	DropRetriesExhausted DropReason = "retries-exhausted"
	DropNodeDown         DropReason = "node-down"
)

// Event is published on the engine's event stream.
type Event struct {
	Type   EventType
	Time   time.Time
	NodeID string
	// PeerID is the other endpoint of a connection event, or the
	// destination being searched for by a route discovery.
	PeerID string

	MessageID   string
	Kind        model.MessageKind
	Source      string
	Destination string
	HopCount    int
	Reason      DropReason
}

// messageEvent builds an event describing msg as seen by nodeID.
func messageEvent(typ EventType, at time.Time, nodeID string, msg model.Message) Event {
	return Event{
		Type:        typ,
		Time:        at,
		NodeID:      nodeID,
		MessageID:   msg.ID,
		Kind:        msg.Kind,
		Source:      msg.Source,
		Destination: msg.Destination,
		HopCount:    msg.HopCount,
	}
}
