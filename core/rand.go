package core

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Rand is the randomness the simulation draws on: loss draws, hop jitter,
// task phase offsets and random placement. Injecting a seeded source makes
// a run reproducible.
type Rand interface {
	Float64() float64
	Int64N(n int64) int64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a goroutine-safe PCG source seeded with seed.
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Int64N(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int64N(n)
}

// jitter returns a uniformly random duration in [0, limit).
func jitter(r Rand, limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(r.Int64N(int64(limit)))
}
