// Package state holds the simulation's derived telemetry state.
package state

import (
	"sync"
	"time"
)

// DeliverySample records the outcome of one DATA message.
type DeliverySample struct {
	MessageID string
	Delivered bool
	HopCount  int
	Latency   time.Duration
	At        time.Time
}

// DeliveryStats are the statistics derived from the samples in a window.
type DeliveryStats struct {
	Samples         int
	Delivered       int
	Failed          int
	AverageHopCount float64
	DeliveryRate    float64
	AverageLatency  time.Duration
}

// DeliveryWindow is a concurrency-safe ring of the most recent delivery
// samples. Statistics are computed over the window only, so they track
// recent behaviour rather than the whole run.
type DeliveryWindow struct {
	mu      sync.RWMutex
	samples []DeliverySample
	next    int
	full    bool
}

// NewDeliveryWindow creates a window holding at most size samples.
func NewDeliveryWindow(size int) *DeliveryWindow {
	if size <= 0 {
		size = 1
	}
	return &DeliveryWindow{samples: make([]DeliverySample, size)}
}

// Record appends a sample, evicting the oldest when the window is full.
func (w *DeliveryWindow) Record(s DeliverySample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of samples currently held.
func (w *DeliveryWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lenLocked()
}

func (w *DeliveryWindow) lenLocked() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Samples returns a copy of the held samples, oldest first.
func (w *DeliveryWindow) Samples() []DeliverySample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.full {
		return append([]DeliverySample(nil), w.samples[:w.next]...)
	}
	out := make([]DeliverySample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	return append(out, w.samples[:w.next]...)
}

// Stats computes the window's statistics. Hop count and latency average
// over delivered samples; the delivery rate over all samples.
func (w *DeliveryWindow) Stats() DeliveryStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var st DeliveryStats
	n := w.lenLocked()
	hops := 0
	var latency time.Duration
	for i := 0; i < n; i++ {
		s := w.samples[i]
		st.Samples++
		if !s.Delivered {
			st.Failed++
			continue
		}
		st.Delivered++
		hops += s.HopCount
		latency += s.Latency
	}
	if st.Delivered > 0 {
		st.AverageHopCount = float64(hops) / float64(st.Delivered)
		st.AverageLatency = latency / time.Duration(st.Delivered)
	}
	if st.Samples > 0 {
		st.DeliveryRate = float64(st.Delivered) / float64(st.Samples)
	}
	return st
}

// Reset empties the window.
func (w *DeliveryWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
	w.next = 0
	w.full = false
}
