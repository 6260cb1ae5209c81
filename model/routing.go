package model

import "time"

// Connection is one side of a symmetric link. Both endpoints hold a
// Connection; the remote side's copy is the Mirror of the local one.
type Connection struct {
	LocalID        string
	RemoteID       string
	SignalStrength int // dBm
	EstablishedAt  time.Time
}

// Mirror returns the connection as seen from the remote endpoint.
func (c Connection) Mirror() Connection {
	return Connection{
		LocalID:        c.RemoteID,
		RemoteID:       c.LocalID,
		SignalStrength: c.SignalStrength,
		EstablishedAt:  c.EstablishedAt,
	}
}

// RouteEntry is a routing-table entry: Destination is reachable in
// HopCount hops by handing the message to NextHop.
type RouteEntry struct {
	Destination    string
	NextHop        string
	HopCount       int
	SequenceNumber int
	UpdatedAt      time.Time
}

// Better reports whether candidate should replace r: a fresher sequence
// number always wins, an equal one wins only with strictly fewer hops.
func (r RouteEntry) Better(candidate RouteEntry) bool {
	if candidate.SequenceNumber != r.SequenceNumber {
		return candidate.SequenceNumber > r.SequenceNumber
	}
	return candidate.HopCount < r.HopCount
}

// SamePath reports whether candidate describes the same route as r.
func (r RouteEntry) SamePath(candidate RouteEntry) bool {
	return r.NextHop == candidate.NextHop &&
		r.HopCount == candidate.HopCount &&
		r.SequenceNumber == candidate.SequenceNumber
}
