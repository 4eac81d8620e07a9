// Package workqueue implements the per-processor bounded work queues (§3,
// §4.3 C4): naming, enqueue (single/batched), consumption, ack, and stats.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
)

// DefaultMaxLen is the system default bound applied when a processor has no
// metadata override (§4.3).
const DefaultMaxLen = 10_000

// DropReason classifies why enqueue did not append a frame.
type DropReason string

const (
	DropOverflow DropReason = "overflow"
	DropError    DropReason = "enqueue_error"
)

// EnqueueResult is the aligned per-item outcome of EnqueueBatch.
type EnqueueResult struct {
	ID     string
	Reason DropReason
	Err    error
}

// Stats reports §4.3's per-queue statistics.
type Stats struct {
	Length   int64
	Pending  int64
	Exists   bool
	Consumer int64
	FirstID  string
	LastID   string
}

// Manager owns enqueue/consume/ack/stats for every processor's queue. The
// message format is authoritative (§9 open question): it always includes
// enqueued_at, and no other component constructs its own copy.
type Manager struct {
	store    store.Client
	metrics  metrics.Provider
	maxLen   int

	enqueuedCounter metrics.Counter
	droppedCounter  metrics.Counter
	depthGauge      metrics.Gauge
}

// New constructs a Manager. A nil metrics.Provider defaults to a noop one.
func New(s store.Client, provider metrics.Provider, systemMaxLen int) *Manager {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	if systemMaxLen <= 0 {
		systemMaxLen = DefaultMaxLen
	}
	return &Manager{
		store:   s,
		metrics: provider,
		maxLen:  systemMaxLen,
		enqueuedCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "frames_enqueued_total", Labels: []string{"processor"}}}),
		droppedCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "frames_dropped_total", Labels: []string{"processor", "reason"}}}),
		depthGauge: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Name: "queue_depth", Labels: []string{"processor"}}}),
	}
}

func (m *Manager) resolveMaxLen(p *frame.Processor) int64 {
	if n := p.QueueMaxLen(); n > 0 {
		return int64(n)
	}
	return int64(m.maxLen)
}

func (m *Manager) projectFields(f *frame.Event) (map[string]string, error) {
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return nil, err
	}
	traceJSON, err := json.Marshal(f.TraceCtx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"frame_id":    f.FrameID,
		"camera_id":   f.CameraID,
		"timestamp":   f.Timestamp.Format(time.RFC3339),
		"size_bytes":  fmt.Sprintf("%d", f.SizeBytes),
		"width":       fmt.Sprintf("%d", f.Width),
		"height":      fmt.Sprintf("%d", f.Height),
		"format":      f.Format,
		"metadata":    string(metaJSON),
		"trace_context": string(traceJSON),
		"enqueued_at": f.EnqueuedAt.Format(time.RFC3339),
	}, nil
}

// Enqueue appends frame to processor's queue, bounded by the processor's
// queue_maxlen override or the system default (§4.3).
func (m *Manager) Enqueue(ctx context.Context, p *frame.Processor, f *frame.Event) (string, error) {
	f.EnqueuedAt = time.Now().UTC()
	fields, err := m.projectFields(f)
	if err != nil {
		m.droppedCounter.Inc(1, p.ID, string(DropError))
		return "", errs.New(errs.KindProtocol, "workqueue.Enqueue", err)
	}

	id, err := m.store.XAdd(ctx, p.Queue, m.resolveMaxLen(p), fields)
	if err != nil {
		m.droppedCounter.Inc(1, p.ID, string(DropError))
		return "", errs.New(errs.KindCapacity, "workqueue.Enqueue", err)
	}

	m.enqueuedCounter.Inc(1, p.ID)
	m.refreshDepth(ctx, p)
	return id, nil
}

// EnqueueBatch pipelines a batch of frames onto processor's queue. The
// returned slice is aligned with frames; a failed item carries its error
// and DropReason with an empty ID, per §4.3's "null for failed" contract.
func (m *Manager) EnqueueBatch(ctx context.Context, p *frame.Processor, frames []*frame.Event) []EnqueueResult {
	results := make([]EnqueueResult, len(frames))
	maxLen := m.resolveMaxLen(p)

	err := m.store.Pipeline(ctx, func(pipe store.Pipeliner) error {
		for i, f := range frames {
			f.EnqueuedAt = time.Now().UTC()
			fields, ferr := m.projectFields(f)
			if ferr != nil {
				results[i] = EnqueueResult{Reason: DropError, Err: ferr}
				continue
			}
			pipe.XAdd(p.Queue, maxLen, fields)
			results[i] = EnqueueResult{ID: "pipelined"}
		}
		return nil
	})
	if err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i] = EnqueueResult{Reason: DropError, Err: err}
			}
		}
		m.droppedCounter.Inc(float64(len(frames)), p.ID, string(DropError))
		return results
	}

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	if succeeded > 0 {
		m.enqueuedCounter.Inc(float64(succeeded), p.ID)
	}
	m.refreshDepth(ctx, p)
	return results
}

func (m *Manager) refreshDepth(ctx context.Context, p *frame.Processor) {
	n, err := m.store.XLen(ctx, p.Queue)
	if err != nil {
		return
	}
	m.depthGauge.Set(float64(n), p.ID)
}

// Consume reads new (">") entries for processor via the given group and
// consumer, optionally acking immediately (§4.3).
func (m *Manager) Consume(ctx context.Context, p *frame.Processor, group, consumer string, count int64, blockMs int64, autoAck bool) ([]store.StreamMessage, error) {
	if blockMs < 0 {
		return nil, errs.New(errs.KindValidation, "workqueue.Consume", fmt.Errorf("block_ms must be non-negative"))
	}
	if err := m.store.XGroupCreate(ctx, p.Queue, group); err != nil {
		return nil, err
	}
	msgs, err := m.store.XReadGroup(ctx, group, consumer, p.Queue, count, time.Duration(blockMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if autoAck && len(msgs) > 0 {
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		_ = m.Ack(ctx, p, group, ids)
	}
	return msgs, nil
}

// Ack is best-effort: it logs (via the returned error, left to the caller
// to log) and continues past per-id failures rather than aborting (§4.3).
func (m *Manager) Ack(ctx context.Context, p *frame.Processor, group string, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := m.store.XAck(ctx, p.Queue, group, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports length, pending count, and existence for processor's queue
// (§4.3). The pending count covers only the given group (at most 10,000
// entries); Consumer, FirstID and LastID are left zero.
func (m *Manager) Stats(ctx context.Context, p *frame.Processor, group string) (Stats, error) {
	length, err := m.store.XLen(ctx, p.Queue)
	if err != nil {
		return Stats{}, err
	}
	pending, err := m.store.XPendingRange(ctx, p.Queue, group, 0, 10_000)
	if err != nil {
		pending = nil
	}
	return Stats{
		Length:  length,
		Pending: int64(len(pending)),
		Exists:  length > 0 || len(pending) > 0,
	}, nil
}
