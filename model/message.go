package model

import "time"

// MessageKind tags the protocol role of a Message.
type MessageKind string

const (
	KindData MessageKind = "DATA"
	KindRREQ MessageKind = "RREQ" // route request, flooded
	KindRREP MessageKind = "RREP" // route reply, unicast back toward the requester
	KindRERR MessageKind = "RERR" // route error, names an unreachable destination
)

// IsControl reports whether the kind belongs to the routing control plane.
func (k MessageKind) IsControl() bool {
	return k == KindRREQ || k == KindRREP || k == KindRERR
}

// Message is the unit exchanged between nodes. Every hop works on its own
// copy; HopCount is incremented by the transmitting node.
type Message struct {
	ID             string
	Source         string
	Destination    string
	Content        string
	Kind           MessageKind
	HopCount       int
	MaxHops        int
	SequenceNumber int
	CreatedAt      time.Time

	// Control-plane fields. Target is the node a RREQ/RREP/RERR is about;
	// TargetSeq the freshest sequence number known for it and TargetHops the
	// distance from the replying node to Target.
	Target     string
	TargetSeq  int
	TargetHops int
	RequestID  int
}

// CanForward reports whether one more transmission stays within the hop budget.
func (m Message) CanForward() bool {
	return m.HopCount < m.MaxHops
}

// InboundMessage is what a node publishes to its subscribers when a DATA
// message addressed to it arrives.
type InboundMessage struct {
	ID          string
	Content     string
	Source      string
	Destination string
	HopCount    int
	DeliveredAt time.Time
}

// BufferedMessage is a DATA message waiting for a route.
type BufferedMessage struct {
	Message          Message
	RetriesRemaining int
	BufferedAt       time.Time
}
