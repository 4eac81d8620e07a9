// Package priority implements the optional in-memory priority admission
// queue between the stream consumer and the router (§3, §4.7 C8).
package priority

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
)

// DefaultMaxAge and DefaultStarvationThreshold are §4.7's stated defaults.
const (
	DefaultMaxAge               = 60 * time.Second
	DefaultStarvationThreshold  = 10
)

// Entry is one admitted item: a frame awaiting dispatch plus the bookkeeping
// needed for the starvation guard.
type Entry struct {
	ID         string
	AckID      string
	Frame      *frame.Event
	Priority   int
	EnqueuedAt time.Time
	overtaken  int
	index      int
}

// Config configures a Queue.
type Config struct {
	MaxAge               time.Duration
	StarvationThreshold  int
}

// Defaults returns §4.7's stated defaults.
func Defaults() Config {
	return Config{MaxAge: DefaultMaxAge, StarvationThreshold: DefaultStarvationThreshold}
}

// Queue is a concurrency-safe max-heap ordered by (priority, enqueue order),
// with an age/overtaken-based starvation guard and a blocking Dequeue
// backed by sync.Cond (§4.7).
type Queue struct {
	cfg Config

	mu    sync.Mutex
	cond  *sync.Cond
	items priorityHeap

	provider  metrics.Provider
	sizeGauge metrics.Gauge
}

// New constructs a Queue. A nil metrics.Provider defaults to a noop one.
func New(cfg Config, provider metrics.Provider) *Queue {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = DefaultStarvationThreshold
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	q := &Queue{
		cfg:      cfg,
		provider: provider,
		sizeGauge: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Name: "priority_queue_size"}}),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Enqueue admits an entry and wakes one blocked Dequeue.
func (q *Queue) Enqueue(e *Entry) {
	q.mu.Lock()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	heap.Push(&q.items, e)
	q.sizeGauge.Set(float64(q.items.Len()))
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue blocks until an entry is available or ctx is cancelled. The
// starvation guard is applied first: any entry older than MaxAge or
// overtaken at least StarvationThreshold times is promoted to the head
// before the normal priority ordering decides.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.promoteStarved()
	e := heap.Pop(&q.items).(*Entry)
	q.sizeGauge.Set(float64(q.items.Len()))
	q.incrementOvertaken(e)
	return e, nil
}

// promoteStarved bumps the priority of any entry past its age or overtaken
// limits to the maximum observed priority, so it surfaces at the heap head
// on the next pop (§4.7).
func (q *Queue) promoteStarved() {
	now := time.Now()
	maxPriority := 0
	for _, e := range q.items {
		if e.Priority > maxPriority {
			maxPriority = e.Priority
		}
	}
	changed := false
	for _, e := range q.items {
		if now.Sub(e.EnqueuedAt) >= q.cfg.MaxAge || e.overtaken >= q.cfg.StarvationThreshold {
			if e.Priority < maxPriority {
				e.Priority = maxPriority
				changed = true
			}
		}
	}
	if changed {
		heap.Init(&q.items)
	}
}

// incrementOvertaken records, for every item left behind, that it was
// passed over by the entry just dequeued.
func (q *Queue) incrementOvertaken(dequeued *Entry) {
	for _, e := range q.items {
		e.overtaken++
	}
}

// Len reports the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// OldestAge reports the age of the oldest entry, or 0 if empty.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, e := range q.items {
		if oldest.IsZero() || e.EnqueuedAt.Before(oldest) {
			oldest = e.EnqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// PriorityDistribution reports the count of entries per priority value.
func (q *Queue) PriorityDistribution() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dist := make(map[int]int)
	for _, e := range q.items {
		dist[e.Priority]++
	}
	return dist
}

// priorityHeap orders by (priority desc, enqueue order asc): higher
// numeric priority first; FIFO within equal priority (§4.7).
type priorityHeap []*Entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
