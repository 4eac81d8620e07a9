// Package intake implements the shared input-stream consumer (§3, §4.4 C5):
// consumer-group initialization, blocking read with soft timeout, capped
// backoff on transient errors, stale-entry reclaim, and cooperative stop.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
	"github.com/frameworks-oss/frameorchestrator/internal/trace"
)

// Message pairs a decoded frame with the stream id needed to ack it.
type Message struct {
	ID    string
	Frame *frame.Event
}

// Config configures a Consumer.
type Config struct {
	Stream          string
	Group           string
	Consumer        string
	BlockMs         int64
	Count           int64
	ClaimMinIdle    time.Duration
	ClaimBatchCount int64
}

// DefaultConfig matches §6's default stream/group naming.
func DefaultConfig(consumer string) Config {
	return Config{
		Stream:          "frames:captured",
		Group:           "frame-buffer-group",
		Consumer:        consumer,
		BlockMs:         5000,
		Count:           10,
		ClaimMinIdle:    5 * time.Minute,
		ClaimBatchCount: 100,
	}
}

// Consumer reads frame events from the shared input stream as a member of
// a consumer group, publishing them onto a channel (§9's "async for-loop
// over streams" design note).
type Consumer struct {
	store  store.Client
	cfg    Config
	logger *slog.Logger

	// readCount is the live read batch size, throttled by C9 backpressure
	// (§4.8 P7): 0 pauses reads entirely until raised again.
	readCount atomic.Int64

	out     chan Message
	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Consumer. The group is created idempotently on Start.
func New(s store.Client, cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		out:     make(chan Message),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.readCount.Store(cfg.Count)
	return c
}

// SetReadCount changes the next read's requested batch size, letting a
// backpressure controller throttle intake without restarting the loop. A
// value <= 0 pauses reads until a positive value is set again (§4.8's
// critical-level "multiplier 0" pause).
func (c *Consumer) SetReadCount(n int64) {
	c.readCount.Store(n)
}

// ReadCount returns the currently configured read batch size.
func (c *Consumer) ReadCount() int64 {
	return c.readCount.Load()
}

// Messages returns the channel the consumer goroutine publishes into.
func (c *Consumer) Messages() <-chan Message { return c.out }

// Start ensures the group exists and launches the consume loop. It returns
// once the group has been created (or confirmed to already exist).
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.store.XGroupCreate(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	go c.loop(ctx)
	return nil
}

// Stop signals the consume loop to exit and blocks until it has, per §5's
// "cooperative cancellation observed at the next suspension point" model.
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.stopped
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.stopped)
	backoff := store.NewBackoff()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		count := c.readCount.Load()
		if count <= 0 {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		softTimeout := time.Duration(c.cfg.BlockMs)*time.Millisecond + 5*time.Second
		readCtx, cancel := context.WithTimeout(ctx, softTimeout)
		msgs, err := c.store.XReadGroup(readCtx, c.cfg.Group, c.cfg.Consumer, c.cfg.Stream, count, time.Duration(c.cfg.BlockMs)*time.Millisecond)
		cancel()

		if err != nil {
			if errs.Is(err, errs.KindTransient) {
				delay := backoff.Next()
				c.logger.Warn("intake: transient store error, backing off", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
				case <-c.stop:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			// timeout on the soft deadline simply re-issues the read
			if readCtx.Err() != nil {
				continue
			}
			c.logger.Error("intake: protocol error reading input stream", "error", err)
			continue
		}
		backoff.Reset()

		for _, m := range msgs {
			f, decodeErr := decode(m)
			if decodeErr != nil {
				c.logger.Warn("intake: dropping malformed frame", "id", m.ID, "error", decodeErr)
				_ = c.store.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID)
				continue
			}
			select {
			case c.out <- Message{ID: m.ID, Frame: f}:
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Ack forwards a single ack to the Store.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	return c.store.XAck(ctx, c.cfg.Stream, c.cfg.Group, id)
}

// AckMany forwards a batch of acks to the Store.
func (c *Consumer) AckMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.store.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...)
}

// ClaimPending reassigns to this consumer any group-pending messages idle
// at least minIdle, for startup and periodic recovery of crashed-consumer
// work (§4.4).
func (c *Consumer) ClaimPending(ctx context.Context, minIdle time.Duration) ([]Message, error) {
	if minIdle <= 0 {
		minIdle = c.cfg.ClaimMinIdle
	}
	pending, err := c.store.XPendingRange(ctx, c.cfg.Stream, c.cfg.Group, minIdle, c.cfg.ClaimBatchCount)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := c.store.XClaim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, minIdle, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		f, decodeErr := decode(m)
		if decodeErr != nil {
			c.logger.Warn("intake: dropping malformed claimed frame", "id", m.ID, "error", decodeErr)
			_ = c.store.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID)
			continue
		}
		out = append(out, Message{ID: m.ID, Frame: f})
	}
	return out, nil
}

// Republish re-appends f to the input stream carrying its (already bumped)
// retry_count metadata, since a stream entry's fields cannot be mutated in
// place. Callers ack the original entry after a successful Republish so the
// retried frame is read exactly once more per attempt (§5, §7 capacity
// handling).
func (c *Consumer) Republish(ctx context.Context, f *frame.Event) (string, error) {
	fields, err := encode(f)
	if err != nil {
		return "", err
	}
	return c.store.XAdd(ctx, c.cfg.Stream, 0, fields)
}

// encode is decode's inverse, projecting a frame.Event back onto the input
// stream's flat field mapping.
func encode(f *frame.Event) (map[string]string, error) {
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return nil, err
	}
	traceJSON, err := json.Marshal(f.TraceCtx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"frame_id":      f.FrameID,
		"camera_id":     f.CameraID,
		"timestamp":     f.Timestamp.Format(time.RFC3339),
		"size_bytes":    fmt.Sprintf("%d", f.SizeBytes),
		"width":         fmt.Sprintf("%d", f.Width),
		"height":        fmt.Sprintf("%d", f.Height),
		"format":        f.Format,
		"metadata":      string(metaJSON),
		"trace_context": string(traceJSON),
	}, nil
}

// decode reverses the §6 flat-mapping projection of the input stream back
// into a validated frame.Event.
func decode(m store.StreamMessage) (*frame.Event, error) {
	v := m.Values
	ts, err := time.Parse(time.RFC3339, v["timestamp"])
	if err != nil {
		return nil, err
	}
	sizeBytes, err := strconv.ParseInt(v["size_bytes"], 10, 64)
	if err != nil {
		return nil, err
	}
	width, err := strconv.Atoi(v["width"])
	if err != nil {
		return nil, err
	}
	height, err := strconv.Atoi(v["height"])
	if err != nil {
		return nil, err
	}
	var metadata map[string]string
	if v["metadata"] != "" {
		if err := json.Unmarshal([]byte(v["metadata"]), &metadata); err != nil {
			return nil, err
		}
	}
	var traceCtx *trace.Context
	if v["trace_context"] != "" {
		traceCtx = &trace.Context{}
		if err := json.Unmarshal([]byte(v["trace_context"]), traceCtx); err != nil {
			return nil, err
		}
	}

	// Captures that omit frame_id still get a stable identity downstream.
	frameID := v["frame_id"]
	if frameID == "" {
		frameID = uuid.NewString()
	}

	f := &frame.Event{
		FrameID:   frameID,
		CameraID:  v["camera_id"],
		Timestamp: ts,
		SizeBytes: sizeBytes,
		Width:     width,
		Height:    height,
		Format:    v["format"],
		Metadata:  metadata,
		TraceCtx:  traceCtx,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
