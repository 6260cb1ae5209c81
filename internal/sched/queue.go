package sched

import (
	"sort"
	"time"
)

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// eventQueue keeps events ordered by time. Events sharing a timestamp keep
// their scheduling order. Not safe for concurrent use; owners hold a lock.
type eventQueue struct {
	events []*scheduledEvent
	index  map[string]*scheduledEvent
}

func newEventQueue() eventQueue {
	return eventQueue{index: make(map[string]*scheduledEvent)}
}

func (q *eventQueue) push(ev *scheduledEvent) {
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[ev.id] = ev
}

func (q *eventQueue) cancel(id string) {
	ev, ok := q.index[id]
	if !ok {
		return
	}
	// Removal from the slice is lazy; pops skip cancelled events.
	ev.cancelled = true
	delete(q.index, id)
}

// peek returns the earliest live event, discarding cancelled ones on the way.
func (q *eventQueue) peek() *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if !ev.cancelled {
			return ev
		}
		q.events[0] = nil
		q.events = q.events[1:]
	}
	return nil
}

// popDue removes and returns the earliest live event scheduled at or before now.
func (q *eventQueue) popDue(now time.Time) *scheduledEvent {
	ev := q.peek()
	if ev == nil || ev.when.After(now) {
		return nil
	}
	q.events[0] = nil
	q.events = q.events[1:]
	delete(q.index, ev.id)
	return ev
}

func (q *eventQueue) len() int {
	return len(q.index)
}

func (q *eventQueue) reset() {
	q.events = nil
	q.index = make(map[string]*scheduledEvent)
}
