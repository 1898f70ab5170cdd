package services

import (
	"sync"
	"sync/atomic"
)

// RatingGate serializes live settlement against full recalculation.
// Settlements share the read side and may run together; recalculation takes the write
// side, so no settlement ever sees ratings that are mid-reset.
type RatingGate struct {
	mu      sync.RWMutex
	running atomic.Bool
}

func NewRatingGate() *RatingGate {
	return &RatingGate{}
}

// Settle runs fn while no recalculation is active, blocking until one finishes.
func (g *RatingGate) Settle(fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn()
}

// Recalculate runs fn with exclusive access. A second concurrent caller fails fast with
// ErrRecalculationInProgress instead of queueing.
func (g *RatingGate) Recalculate(fn func() error) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrRecalculationInProgress
	}
	defer g.running.Store(false)

	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

func (g *RatingGate) Recalculating() bool {
	return g.running.Load()
}
