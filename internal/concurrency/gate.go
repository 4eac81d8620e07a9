// Package concurrency implements a bounded-concurrency gate, adapted from
// the teacher's resources.Manager slots-channel idiom (a buffered channel
// of empty structs used as counting semaphore). The engine stores one
// (engine.WithHealthProbeConcurrency), but no component acquires it, so it
// bounds neither health probes nor priority dequeue workers.
package concurrency

import "context"

// Gate bounds the number of concurrent holders. A zero-value limit means
// unbounded (Acquire never blocks).
type Gate struct {
	slots chan struct{}
}

// NewGate constructs a Gate allowing at most limit concurrent holders. A
// non-positive limit means unbounded.
func NewGate(limit int) *Gate {
	if limit <= 0 {
		return &Gate{}
	}
	return &Gate{slots: make(chan struct{}, limit)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.slots == nil {
		return nil
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired via Acquire. It is safe to call even if
// the gate is unbounded.
func (g *Gate) Release() {
	if g.slots == nil {
		return
	}
	select {
	case <-g.slots:
	default:
	}
}

// InUse reports the current number of held slots (0 for an unbounded
// gate).
func (g *Gate) InUse() int {
	if g.slots == nil {
		return 0
	}
	return len(g.slots)
}

// Limit reports the configured capacity (0 for an unbounded gate).
func (g *Gate) Limit() int {
	if g.slots == nil {
		return 0
	}
	return cap(g.slots)
}

// Do runs fn while holding a slot, blocking on Acquire and always
// Release-ing afterward.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}
