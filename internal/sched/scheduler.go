// Package sched runs simulation callbacks at simulation times.
//
// Two implementations are provided. NewEventScheduler follows an external
// SimClock (a timectrl.TimeController in live runs) and executes due events
// whenever RunDue is called. VirtualScheduler owns its clock and implements a
// discrete-event loop: AdvanceTo jumps from event to event, so a long
// simulated interval costs only as much as the events inside it.
package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Already-run events never run again.
	RunDue()
}

// After schedules f to run d after the scheduler's current time.
func After(s EventScheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// eventScheduler is driven by an external SimClock.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	queue   eventQueue
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		queue: newEventQueue(),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	s.queue.push(&scheduledEvent{id: id, when: at, f: f})
	return id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.cancel(id)
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) RunDue() {
	for {
		now := s.clock.Now()

		s.mu.Lock()
		ev := s.queue.popDue(now)
		s.mu.Unlock()

		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they may schedule or cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
