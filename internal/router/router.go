// Package router implements the per-frame router/distributor (§3, §4.6
// C7): capability filter, breaker filter, load-aware selection, and
// dispatch, with a swappable selection Strategy. Acking the source message
// is left to the caller.
package router

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"github.com/frameworks-oss/frameorchestrator/internal/breaker"
	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
	"github.com/frameworks-oss/frameorchestrator/internal/registry"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
	"github.com/frameworks-oss/frameorchestrator/internal/workqueue"
)

// Candidate is one capability- and breaker-filtered processor offered to a
// Strategy, carrying the load reading the strategy needs to decide.
type Candidate struct {
	Processor *frame.Processor
	LoadPct   float64 // 100 * depth / max(capacity,1), capped at 100
}

// Strategy selects one candidate for a frame. Implementations must be safe
// for concurrent use (§4.6's pluggability note).
type Strategy interface {
	Name() string
	Select(ctx context.Context, f *frame.Event, candidates []Candidate) (*frame.Processor, error)
}

// Dispatched reports the outcome of routing one frame, for the caller to
// ack/not-ack the source message accordingly.
type Dispatched struct {
	Processor *frame.Processor
	QueueMsgID string
}

// Router wires the registry, breaker set, and work queue manager together
// to implement the 5-step algorithm in §4.6. Its selection strategy is
// swappable via SetStrategy at any time, atomically.
type Router struct {
	registry *registry.Registry
	breakers *breaker.Set
	queues   *workqueue.Manager
	store    store.Client
	logger   *slog.Logger

	strategy atomic.Pointer[Strategy]

	routedCounter  metrics.Counter
	droppedCounter metrics.Counter
}

// New constructs a Router with the given default Strategy (LoadBalanced if
// nil).
func New(reg *registry.Registry, breakers *breaker.Set, queues *workqueue.Manager, s store.Client, provider metrics.Provider, logger *slog.Logger, defaultStrategy Strategy) *Router {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaultStrategy == nil {
		defaultStrategy = NewLoadBalanced()
	}
	r := &Router{
		registry: reg,
		breakers: breakers,
		queues:   queues,
		store:    s,
		logger:   logger,
		routedCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "frames_routed_total", Labels: []string{"processor", "strategy"}}}),
		droppedCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "frames_routing_dropped_total", Labels: []string{"reason"}}}),
	}
	r.SetStrategy(defaultStrategy)
	return r
}

// SetStrategy atomically swaps the active selection strategy (§9's "atomic
// pointer write" redesign note).
func (r *Router) SetStrategy(s Strategy) {
	r.strategy.Store(&s)
}

// CurrentStrategy returns the active strategy's name.
func (r *Router) CurrentStrategy() string {
	sp := r.strategy.Load()
	if sp == nil {
		return ""
	}
	return (*sp).Name()
}

// Route implements the 5-step algorithm: capability filter, breaker
// filter, load-aware selection, dispatch, and on success returns the
// chosen processor and the appended queue message id so the caller can ack
// the source message (§4.6 steps 1-6).
func (r *Router) Route(ctx context.Context, f *frame.Event) (*Dispatched, error) {
	detectionType := f.DetectionType()
	if detectionType == "" {
		r.droppedCounter.Inc(1, "missing_capability_tag")
		r.logger.Warn("router: frame missing detection_type metadata", "frame_id", f.FrameID)
		return nil, errs.New(errs.KindValidation, "router.Route", errs.ErrMissingCapability)
	}

	capable, err := r.registry.FindByCapability(ctx, detectionType)
	if err != nil {
		return nil, err
	}
	if len(capable) == 0 {
		r.droppedCounter.Inc(1, "no_capable_processor")
		return nil, errs.New(errs.KindCapacity, "router.Route", errs.ErrNoCapableProcessor)
	}

	available := make([]*frame.Processor, 0, len(capable))
	for _, p := range capable {
		if r.breakers == nil || r.breakers.Available(p.ID) {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		r.droppedCounter.Inc(1, "all_breakers_open")
		return nil, errs.New(errs.KindCapacity, "router.Route", errs.ErrAllBreakersOpen)
	}

	candidates, depthReadFailed := r.buildCandidates(ctx, available)

	var chosen *frame.Processor
	if depthReadFailed {
		chosen = available[rand.Intn(len(available))]
	} else {
		sp := r.strategy.Load()
		chosen, err = (*sp).Select(ctx, f, candidates)
		if err != nil {
			return nil, err
		}
	}
	if chosen == nil {
		r.droppedCounter.Inc(1, "selection_failed")
		return nil, errs.New(errs.KindCapacity, "router.Route", errs.ErrNoCapableProcessor)
	}

	msgID, err := r.queues.Enqueue(ctx, chosen, f)
	if err != nil {
		if r.breakers != nil {
			r.breakers.RecordFailure(chosen.ID, err)
		}
		return nil, errs.New(errs.KindTransient, "router.Route", err)
	}
	if r.breakers != nil {
		r.breakers.RecordSuccess(chosen.ID)
	}
	r.routedCounter.Inc(1, chosen.ID, r.CurrentStrategy())
	return &Dispatched{Processor: chosen, QueueMsgID: msgID}, nil
}

// buildCandidates reads each candidate's queue depth via XLen to compute
// load_pct. If any read fails, depthReadFailed is true and the caller must
// fall back to uniform random over the breaker-filtered set (§4.6).
func (r *Router) buildCandidates(ctx context.Context, processors []*frame.Processor) ([]Candidate, bool) {
	out := make([]Candidate, 0, len(processors))
	for _, p := range processors {
		depth, err := r.store.XLen(ctx, p.Queue)
		if err != nil {
			return nil, true
		}
		capacity := p.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		loadPct := 100 * float64(depth) / float64(capacity)
		if loadPct > 100 {
			loadPct = 100
		}
		out = append(out, Candidate{Processor: p, LoadPct: loadPct})
	}
	return out, false
}
