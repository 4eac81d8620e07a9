package store

import "time"

// Backoff produces a capped exponential backoff sequence (1s doubling to a
// 60s ceiling) used by callers retrying a KindTransient store error (§4.1,
// §4.4 intake retry policy).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	n    int
}

// NewBackoff returns the default 1s->60s capped exponential backoff.
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 60 * time.Second}
}

// Next returns the next delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.n
	if d <= 0 || d > b.Max {
		d = b.Max
	} else {
		b.n++
	}
	return d
}

// Reset restarts the sequence from Base, called after a successful op.
func (b *Backoff) Reset() { b.n = 0 }
