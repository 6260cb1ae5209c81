package sched

import (
	"fmt"
	"sync"
	"time"
)

// VirtualScheduler is an EventScheduler with its own virtual clock.
//
// Time only moves when AdvanceTo or Advance is called. Events run in time
// order and Now() reports each event's own timestamp while it executes, so
// callbacks that schedule follow-up work relative to Now() see a consistent
// clock. Tests use it to drive the simulation deterministically.
type VirtualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64
	queue   eventQueue
}

// NewVirtualScheduler creates a scheduler whose clock starts at start.
func NewVirtualScheduler(start time.Time) *VirtualScheduler {
	return &VirtualScheduler{
		now:   start,
		queue: newEventQueue(),
	}
}

// Now returns the current virtual time.
func (s *VirtualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback. Events in the past run on the next RunDue
// or AdvanceTo at the current time.
func (s *VirtualScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("vev-%d", s.counter)
	s.queue.push(&scheduledEvent{id: id, when: at, f: f})
	return id
}

// Cancel attempts to cancel a previously scheduled event.
func (s *VirtualScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.cancel(id)
}

// RunDue executes all events whose scheduled time is <= Now() without
// moving the clock.
func (s *VirtualScheduler) RunDue() {
	s.AdvanceTo(s.Now())
}

// AdvanceTo moves virtual time forward to t, executing every event scheduled
// at or before t in time order. Time never goes backwards.
func (s *VirtualScheduler) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		if t.Before(s.now) {
			t = s.now
		}
		ev := s.queue.popDue(t)
		if ev == nil {
			s.now = t
			s.mu.Unlock()
			return
		}
		if ev.when.After(s.now) {
			s.now = ev.when
		}
		s.mu.Unlock()

		if ev.f != nil {
			ev.f()
		}
	}
}

// Advance moves virtual time forward by d.
func (s *VirtualScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// Pending returns the number of live scheduled events.
func (s *VirtualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// NextAt returns the time of the earliest live event.
func (s *VirtualScheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.queue.peek()
	if ev == nil {
		return time.Time{}, false
	}
	return ev.when, true
}

// Reset drops every pending event.
func (s *VirtualScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.reset()
}
