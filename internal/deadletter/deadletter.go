// Package deadletter implements the bounded-retry dead-letter sink (§5
// supplemented feature): frames that exhaust their retry cap are written
// to a dedicated stream rather than redelivered forever.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
)

// DefaultStream is the stream name dead-lettered frames are written to.
const DefaultStream = "frames:deadletter"

// DefaultMaxRetries caps how many times a frame is re-attempted (the engine
// republishes it after each failed routing) before it is dead-lettered.
const DefaultMaxRetries = 5

// Writer appends frames that exhausted their retry budget to the
// dead-letter stream, carrying the terminal failure reason and retry count
// in the entry's fields.
type Writer struct {
	store      store.Client
	stream     string
	maxRetries int
	logger     *slog.Logger

	writtenCounter metrics.Counter
}

// New constructs a Writer. A zero stream/maxRetries falls back to the
// package defaults; a nil metrics.Provider defaults to a noop one.
func New(s store.Client, stream string, maxRetries int, provider metrics.Provider, logger *slog.Logger) *Writer {
	if stream == "" {
		stream = DefaultStream
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:      s,
		stream:     stream,
		maxRetries: maxRetries,
		logger:     logger,
		writtenCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "frames_deadlettered_total", Labels: []string{"reason"}}}),
	}
}

// Stream returns the stream name frames are dead-lettered to.
func (w *Writer) Stream() string { return w.stream }

// ShouldDeadLetter reports whether f's retry_count metadata has reached the
// configured cap.
func (w *Writer) ShouldDeadLetter(f *frame.Event) bool {
	return retryCount(f) >= w.maxRetries
}

// IncrementRetry returns a copy of f's metadata with retry_count bumped by
// one, for the caller to stamp back onto the frame before redelivery.
func IncrementRetry(f *frame.Event) map[string]string {
	meta := make(map[string]string, len(f.Metadata)+1)
	for k, v := range f.Metadata {
		meta[k] = v
	}
	meta[frame.MetadataRetryCount] = fmt.Sprintf("%d", retryCount(f)+1)
	return meta
}

func retryCount(f *frame.Event) int {
	if f.Metadata == nil {
		return 0
	}
	v, ok := f.Metadata[frame.MetadataRetryCount]
	if !ok {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

// Write appends f to the dead-letter stream with the terminal reason and
// its final retry count.
func (w *Writer) Write(ctx context.Context, f *frame.Event, reason string) error {
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"frame_id":     f.FrameID,
		"camera_id":    f.CameraID,
		"timestamp":    f.Timestamp.Format(time.RFC3339),
		"format":       f.Format,
		"metadata":     string(metaJSON),
		"retry_count":  fmt.Sprintf("%d", retryCount(f)),
		"reason":       reason,
		"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := w.store.XAdd(ctx, w.stream, 0, fields); err != nil {
		return err
	}
	w.writtenCounter.Inc(1, reason)
	w.logger.Warn("deadletter: frame exhausted retry budget", "frame_id", f.FrameID, "reason", reason, "retry_count", retryCount(f))
	return nil
}
