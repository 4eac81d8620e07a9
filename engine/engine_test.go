package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/frameworks-oss/frameorchestrator/internal/backpressure"
	"github.com/frameworks-oss/frameorchestrator/internal/config"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/intake"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Store.Addr = mr.Addr()
	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return e, mr
}

func TestNewConstructsEngineWithAllComponents(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NotNil(t, e.Registry())
	require.NotNil(t, e.Breakers())
	require.NotNil(t, e.Queues())
	require.NotNil(t, e.HealthMonitor())
	require.NotNil(t, e.Pressure())
	require.NotNil(t, e.Store())
}

func TestStartIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	e.Stop()
}

func TestEndToEndRoutesFrameFromIntakeToProcessorQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &frame.Processor{ID: "p1", Capacity: 10, Capabilities: []string{"face"}}
	require.NoError(t, e.Registry().Register(ctx, p))

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	f := &frame.Event{
		FrameID:   "f1",
		CameraID:  "c1",
		Timestamp: time.Now(),
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataDetectionType: "face"},
	}
	fields := map[string]string{
		"frame_id":      f.FrameID,
		"camera_id":     f.CameraID,
		"timestamp":     f.Timestamp.Format(time.RFC3339),
		"size_bytes":    "0",
		"width":         "0",
		"height":        "0",
		"format":        f.Format,
		"metadata":      `{"detection_type":"face"}`,
		"trace_context": "null",
	}
	_, xaddErr := e.Store().XAdd(ctx, "frames:captured", 0, fields)
	require.NoError(t, xaddErr)

	require.Eventually(t, func() bool {
		stats, err := e.Queues().Stats(ctx, p, "frame-buffer-group")
		if err != nil {
			return false
		}
		return stats.Length == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchProcessorHealthSkipsWhenNoEndpointConfigured(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &frame.Processor{ID: "p1", Capacity: 10, Capabilities: []string{"face"}}
	e.WatchProcessorHealth(context.Background(), p)
}

func TestHandleRoutingFailureDeadLettersAfterRetryCapExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.intakeC.Start(ctx))
	defer e.intakeC.Stop()

	f := &frame.Event{
		FrameID:   "f1",
		CameraID:  "c1",
		Timestamp: time.Now(),
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataDetectionType: "face", frame.MetadataRetryCount: "4"},
	}
	e.handleRoutingFailure(ctx, intake.Message{ID: "0-1", Frame: f}, errors.New("no capable processor"))

	n, err := e.Store().XLen(ctx, e.deadLetter.Stream())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestHandleRoutingFailureRepublishesBelowRetryCap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.intakeC.Start(ctx))
	defer e.intakeC.Stop()

	f := &frame.Event{
		FrameID:   "f1",
		CameraID:  "c1",
		Timestamp: time.Now(),
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataDetectionType: "face"},
	}
	e.handleRoutingFailure(ctx, intake.Message{ID: "0-1", Frame: f}, errors.New("no capable processor"))

	select {
	case msg := <-e.intakeC.Messages():
		require.Equal(t, "f1", msg.Frame.FrameID)
		require.Equal(t, "1", msg.Frame.Metadata[frame.MetadataRetryCount])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the republished retry")
	}

	n, err := e.Store().XLen(ctx, e.deadLetter.Stream())
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestEvaluatePressureThrottlesIntakeReadCount(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p := &frame.Processor{ID: "p1", Capacity: 10, Capabilities: []string{"face"}}
	require.NoError(t, e.Registry().Register(ctx, p))
	for i := 0; i < 10; i++ {
		_, err := e.Queues().Enqueue(ctx, p, &frame.Event{
			FrameID: "f", CameraID: "c", Timestamp: time.Now(), Format: "jpeg",
			Metadata: map[string]string{frame.MetadataDetectionType: "face"},
		})
		require.NoError(t, err)
	}

	var lastLevel backpressure.Level
	e.evaluatePressure(ctx, &lastLevel)

	require.Equal(t, int64(0), e.intakeC.ReadCount())
}

func TestPumpClaimPendingReclaimsAndDispatchesStaleEntries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &frame.Processor{ID: "p1", Capacity: 10, Capabilities: []string{"face"}}
	require.NoError(t, e.Registry().Register(ctx, p))
	require.NoError(t, e.Store().XGroupCreate(ctx, "frames:captured", "frame-buffer-group"))

	fields := map[string]string{
		"frame_id": "f1", "camera_id": "c1", "timestamp": time.Now().Format(time.RFC3339),
		"size_bytes": "0", "width": "0", "height": "0", "format": "jpeg",
		"metadata": `{"detection_type":"face"}`, "trace_context": "null",
	}
	_, err := e.Store().XAdd(ctx, "frames:captured", 0, fields)
	require.NoError(t, err)

	// Simulate a crashed consumer: read the entry under a different consumer
	// name than the engine's own, leaving it pending and unacked. The
	// engine's intake consumer loop is never started in this test, so only
	// the periodic reclaim path can recover it.
	_, err = e.Store().XReadGroup(ctx, "frame-buffer-group", "stale-consumer", "frames:captured", 10, 0)
	require.NoError(t, err)

	// Make the just-read entry count as stale; under the default
	// ClaimMinIdle (5m) it would stay with its original consumer.
	e.cfg.Intake.ClaimMinIdle = time.Nanosecond
	e.reclaimPending(ctx)

	require.Eventually(t, func() bool {
		stats, err := e.Queues().Stats(ctx, p, "frame-buffer-group")
		if err != nil {
			return false
		}
		return stats.Length == 1
	}, 3*time.Second, 20*time.Millisecond)
}
