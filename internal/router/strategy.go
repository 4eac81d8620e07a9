package router

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/frameworks-oss/frameorchestrator/internal/frame"
)

// NewLoadBalanced returns §4.6's default selection rule: among candidates
// under 90% load, pick uniformly from those within 10 points of the
// minimum; otherwise pick the single least-loaded, ties broken by
// candidate order (deterministic given registry iteration order).
func NewLoadBalanced() Strategy { return loadBalanced{} }

type loadBalanced struct{}

func (loadBalanced) Name() string { return "load_balanced" }

func (loadBalanced) Select(_ context.Context, _ *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var under []Candidate
	for _, c := range candidates {
		if c.LoadPct < 90 {
			under = append(under, c)
		}
	}
	if len(under) == 0 {
		least := candidates[0]
		for _, c := range candidates[1:] {
			if c.LoadPct < least.LoadPct {
				least = c
			}
		}
		return least.Processor, nil
	}

	min := under[0].LoadPct
	for _, c := range under[1:] {
		if c.LoadPct < min {
			min = c.LoadPct
		}
	}
	var pool []Candidate
	for _, c := range under {
		if c.LoadPct <= min+10 {
			pool = append(pool, c)
		}
	}
	return pool[rand.Intn(len(pool))].Processor, nil
}

// NewRoundRobin returns a strategy that cycles through the candidate set in
// order, independent of load (§4.6 pluggability note).
func NewRoundRobin() Strategy { return &roundRobin{} }

type roundRobin struct {
	counter uint64
}

func (*roundRobin) Name() string { return "round_robin" }

func (rr *roundRobin) Select(_ context.Context, _ *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sorted := sortedByID(candidates)
	n := atomic.AddUint64(&rr.counter, 1) - 1
	return sorted[int(n)%len(sorted)].Processor, nil
}

// NewCameraAffinity returns a strategy that consistently routes all frames
// from the same camera to the same processor within the candidate set,
// so a specialist that tunes itself to one camera keeps seeing it.
func NewCameraAffinity() Strategy { return cameraAffinity{} }

type cameraAffinity struct{}

func (cameraAffinity) Name() string { return "camera_affinity" }

func (cameraAffinity) Select(_ context.Context, f *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sorted := sortedByID(candidates)
	h := fnv.New32a()
	_, _ = h.Write([]byte(f.CameraID))
	idx := int(h.Sum32()) % len(sorted)
	if idx < 0 {
		idx += len(sorted)
	}
	return sorted[idx].Processor, nil
}

// NewCapabilityAware returns a strategy that prefers the most specialized
// candidate (fewest advertised capabilities), breaking ties by load.
func NewCapabilityAware() Strategy { return capabilityAware{} }

type capabilityAware struct{}

func (capabilityAware) Name() string { return "capability_aware" }

func (capabilityAware) Select(_ context.Context, _ *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sorted := sortedByID(candidates)
	best := sorted[0]
	for _, c := range sorted[1:] {
		switch {
		case len(c.Processor.Capabilities) < len(best.Processor.Capabilities):
			best = c
		case len(c.Processor.Capabilities) == len(best.Processor.Capabilities) && c.LoadPct < best.LoadPct:
			best = c
		}
	}
	return best.Processor, nil
}

// NewPriorityAware returns a strategy that routes high-priority frames to
// the least-loaded candidate and falls back to the load-balanced rule for
// everything else.
func NewPriorityAware(highPriorityThreshold int) Strategy {
	return priorityAware{threshold: highPriorityThreshold}
}

type priorityAware struct {
	threshold int
}

func (priorityAware) Name() string { return "priority_aware" }

func (p priorityAware) Select(ctx context.Context, f *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if f.Priority() < p.threshold {
		return loadBalanced{}.Select(ctx, f, candidates)
	}
	sorted := sortedByID(candidates)
	least := sorted[0]
	for _, c := range sorted[1:] {
		if c.LoadPct < least.LoadPct {
			least = c
		}
	}
	return least.Processor, nil
}

// NewAdaptive returns a performance-weighted strategy that picks randomly
// among candidates with probability proportional to their spare capacity
// (100-load_pct), so lightly loaded processors receive proportionally more
// frames without starving any candidate entirely.
func NewAdaptive() Strategy { return adaptive{} }

type adaptive struct{}

func (adaptive) Name() string { return "adaptive" }

func (adaptive) Select(_ context.Context, _ *frame.Event, candidates []Candidate) (*frame.Processor, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sorted := sortedByID(candidates)
	weights := make([]float64, len(sorted))
	total := 0.0
	for i, c := range sorted {
		w := math.Max(100-c.LoadPct, 0.01)
		weights[i] = w
		total += w
	}
	pick := rand.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if pick <= cum {
			return sorted[i].Processor, nil
		}
	}
	return sorted[len(sorted)-1].Processor, nil
}

// sortedByID returns candidates ordered by processor id, giving strategies
// that need a deterministic iteration order one without depending on
// upstream map/set iteration (§4.6's "deterministic given registry state").
func sortedByID(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.Slice(out, func(i, j int) bool { return out[i].Processor.ID < out[j].Processor.ID })
	return out
}
