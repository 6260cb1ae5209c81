package timectrl

import (
	"context"
	"slices"
	"sync"
	"time"
)

// SimClock is the read side of simulation time. Schedulers depend on it
// rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one Tick per wall-clock Tick.
	RealTime Mode = iota
	// Accelerated advances one Tick per loop iteration without waiting.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController drives simulation time and notifies registered listeners
// after every step. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every tick, in registration
// order, from the controller goroutine.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Run advances time until ctx is cancelled or duration of simulation time
// has elapsed (duration <= 0 means no limit). It blocks.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) {
	simTime := tc.Now()
	elapsed := time.Duration(0)

	var ticks <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		if duration > 0 && elapsed >= duration {
			return
		}

		if ticks != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
			}
		} else if ctx.Err() != nil {
			return
		}

		simTime = simTime.Add(tc.Tick)
		elapsed += tc.Tick

		tc.mu.Lock()
		tc.currentTime = simTime
		listeners := slices.Clone(tc.listeners)
		tc.mu.Unlock()

		for _, fn := range listeners {
			fn(simTime)
		}
	}
}

// Start runs the controller from StartTime for the specified duration in a
// separate goroutine. It returns a channel that is closed when it finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	tc.SetTime(tc.StartTime)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(context.Background(), duration)
	}()
	return done
}
