package sched

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestEventScheduler_RunsOnlyDueEvents(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	s := NewEventScheduler(clock)

	var ran []string
	s.Schedule(start.Add(10*time.Second), func() { ran = append(ran, "late") })
	id := s.Schedule(start.Add(5*time.Second), func() { ran = append(ran, "early") })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	s.RunDue()
	if len(ran) != 0 {
		t.Fatalf("expected nothing to run at start, got %v", ran)
	}

	clock.set(start.Add(7 * time.Second))
	s.RunDue()
	if len(ran) != 1 || ran[0] != "early" {
		t.Fatalf("ran = %v, want [early]", ran)
	}

	clock.set(start.Add(time.Minute))
	s.RunDue()
	s.RunDue()
	if len(ran) != 2 || ran[1] != "late" {
		t.Fatalf("ran = %v, want [early late]", ran)
	}
}

func TestEventScheduler_Cancel(t *testing.T) {
	start := time.Unix(0, 0)
	clock := newFakeClock(start)
	s := NewEventScheduler(clock)

	var counter int
	id := s.Schedule(start.Add(time.Second), func() { counter++ })
	s.Cancel(id)
	s.Cancel("ev-unknown")

	clock.set(start.Add(2 * time.Second))
	s.RunDue()
	if counter != 0 {
		t.Fatalf("cancelled event ran %d times", counter)
	}
}

func TestEventScheduler_CallbackCanScheduleDueWork(t *testing.T) {
	start := time.Unix(0, 0)
	clock := newFakeClock(start)
	s := NewEventScheduler(clock)

	var order []int
	s.Schedule(start, func() {
		order = append(order, 1)
		s.Schedule(start, func() { order = append(order, 2) })
	})

	s.RunDue()
	if len(order) != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestEventScheduler_SameTimeKeepsInsertionOrder(t *testing.T) {
	start := time.Unix(0, 0)
	clock := newFakeClock(start)
	s := NewEventScheduler(clock)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Schedule(start.Add(time.Second), func() { order = append(order, i) })
	}
	clock.set(start.Add(time.Second))
	s.RunDue()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}
