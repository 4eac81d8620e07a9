package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(store.NewRedisClient(rdb), nil, 0)
}

func testProcessor() *frame.Processor {
	p := &frame.Processor{ID: "proc-1", Capabilities: []string{"face"}, Capacity: 10}
	p.Normalize()
	return p
}

func testFrame(id string) *frame.Event {
	return &frame.Event{
		FrameID:   id,
		CameraID:  "cam-1",
		Timestamp: time.Now().UTC(),
		SizeBytes: 1024,
		Width:     640,
		Height:    480,
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataDetectionType: "face"},
	}
}

func TestEnqueueThenConsumeCarriesEnqueuedAt(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	ctx := context.Background()

	id, err := m.Enqueue(ctx, p, testFrame("f1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := m.Consume(ctx, p, "workers", "c1", 10, 0, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "f1", msgs[0].Values["frame_id"])
	require.NotEmpty(t, msgs[0].Values["enqueued_at"])
}

func TestEnqueueBatchAlignsResultsWithInput(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	ctx := context.Background()

	frames := []*frame.Event{testFrame("f1"), testFrame("f2"), testFrame("f3")}
	results := m.EnqueueBatch(ctx, p, frames)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	n, err := m.store.XLen(ctx, p.Queue)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestConsumeRejectsNegativeBlockMs(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	_, err := m.Consume(context.Background(), p, "workers", "c1", 10, -1, false)
	require.Error(t, err)
}

func TestAckIsBestEffortAcrossIDs(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	ctx := context.Background()

	_, err := m.Enqueue(ctx, p, testFrame("f1"))
	require.NoError(t, err)
	msgs, err := m.Consume(ctx, p, "workers", "c1", 10, 0, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	err = m.Ack(ctx, p, "workers", []string{msgs[0].ID, "0-0"})
	// per-id failures (the bogus id) don't block the whole call from completing
	_ = err
}

func TestStatsReportsLengthAndPending(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	ctx := context.Background()

	_, err := m.Enqueue(ctx, p, testFrame("f1"))
	require.NoError(t, err)
	_, err = m.Consume(ctx, p, "workers", "c1", 10, 0, false)
	require.NoError(t, err)

	stats, err := m.Stats(ctx, p, "workers")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Length)
	require.Equal(t, int64(1), stats.Pending)
	require.True(t, stats.Exists)
}

func TestAutoAckAcksImmediately(t *testing.T) {
	m := newTestManager(t)
	p := testProcessor()
	ctx := context.Background()

	_, err := m.Enqueue(ctx, p, testFrame("f1"))
	require.NoError(t, err)
	msgs, err := m.Consume(ctx, p, "workers", "c1", 10, 0, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	stats, err := m.Stats(ctx, p, "workers")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Pending)
}
