package core

import "sync"

// broadcaster fans values out to subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the value.
type broadcaster[T any] struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]chan T
	size   int
	closed bool
}

func newBroadcaster[T any](size int) *broadcaster[T] {
	if size <= 0 {
		size = 1
	}
	return &broadcaster[T]{subs: make(map[int]chan T), size: size}
}

// subscribe returns a receive channel and a function that cancels the
// subscription. On a closed broadcaster the channel is already closed.
func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// publish delivers v to every subscriber with room and reports how many
// subscribers missed it.
func (b *broadcaster[T]) publish(v T) (dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// close closes every subscriber channel; later subscriptions get a closed channel.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
