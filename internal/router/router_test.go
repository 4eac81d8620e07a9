package router

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/frameworks-oss/frameorchestrator/internal/breaker"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
	"github.com/frameworks-oss/frameorchestrator/internal/registry"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
	"github.com/frameworks-oss/frameorchestrator/internal/workqueue"
)

func newTestRouter(t *testing.T, strategy Strategy) (*Router, *registry.Registry, *breaker.Set, store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := store.NewRedisClient(rdb)
	reg := registry.New(s, nil)
	breakers := breaker.New(breaker.Defaults(), nil)
	queues := workqueue.New(s, metrics.NewNoopProvider(), 0)
	r := New(reg, breakers, queues, s, metrics.NewNoopProvider(), nil, strategy)
	return r, reg, breakers, s
}

func testFrame(detectionType, cameraID string) *frame.Event {
	return &frame.Event{
		FrameID:   "f1",
		CameraID:  cameraID,
		Timestamp: time.Now(),
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataDetectionType: detectionType},
	}
}

func testProcessor(id string, capacity int, capabilities ...string) *frame.Processor {
	p := &frame.Processor{ID: id, Capacity: capacity, Capabilities: capabilities}
	p.Normalize()
	return p
}

func TestRouteRejectsFrameMissingCapability(t *testing.T) {
	r, _, _, _ := newTestRouter(t, NewLoadBalanced())
	f := &frame.Event{FrameID: "f1", CameraID: "c1", Timestamp: time.Now(), Format: "jpeg"}
	_, err := r.Route(context.Background(), f)
	require.Error(t, err)
}

func TestRouteReturnsNoCapableProcessorWhenNoneRegistered(t *testing.T) {
	r, _, _, _ := newTestRouter(t, NewLoadBalanced())
	_, err := r.Route(context.Background(), testFrame("face", "c1"))
	require.Error(t, err)
}

func TestRouteFiltersOutOpenBreakers(t *testing.T) {
	r, reg, breakers, _ := newTestRouter(t, NewLoadBalanced())
	ctx := context.Background()
	p := testProcessor("p1", 10, "face")
	require.NoError(t, reg.Register(ctx, p))

	for i := 0; i < 5; i++ {
		breakers.RecordFailure("p1", nil)
	}
	require.False(t, breakers.Available("p1"))

	_, err := r.Route(ctx, testFrame("face", "c1"))
	require.Error(t, err)
}

func TestRouteDispatchesToSoleCapableProcessor(t *testing.T) {
	r, reg, _, _ := newTestRouter(t, NewLoadBalanced())
	ctx := context.Background()
	p := testProcessor("p1", 10, "face")
	require.NoError(t, reg.Register(ctx, p))

	d, err := r.Route(ctx, testFrame("face", "c1"))
	require.NoError(t, err)
	require.Equal(t, "p1", d.Processor.ID)
}

func TestRouteLoadBalancedPrefersLeastLoadedWhenAllOverThreshold(t *testing.T) {
	r, reg, _, s := newTestRouter(t, NewLoadBalanced())
	ctx := context.Background()
	p1 := testProcessor("p1", 10, "face")
	p2 := testProcessor("p2", 10, "face")
	require.NoError(t, reg.Register(ctx, p1))
	require.NoError(t, reg.Register(ctx, p2))

	for i := 0; i < 10; i++ {
		_, err := s.XAdd(ctx, p1.Queue, 1000, map[string]string{"x": "1"})
		require.NoError(t, err)
	}
	for i := 0; i < 9; i++ {
		_, err := s.XAdd(ctx, p2.Queue, 1000, map[string]string{"x": "1"})
		require.NoError(t, err)
	}

	d, err := r.Route(ctx, testFrame("face", "c1"))
	require.NoError(t, err)
	require.Equal(t, "p2", d.Processor.ID)
}

func TestRouteSucceedsAndAcksViaReturnedMessageID(t *testing.T) {
	r, reg, breakers, _ := newTestRouter(t, NewLoadBalanced())
	ctx := context.Background()
	p := testProcessor("p1", 10, "face")
	require.NoError(t, reg.Register(ctx, p))

	d, err := r.Route(ctx, testFrame("face", "c1"))
	require.NoError(t, err)
	require.NotEmpty(t, d.QueueMsgID)
	require.True(t, breakers.Available("p1"))
}

func TestSetStrategySwapsSelectionAtomically(t *testing.T) {
	r, reg, _, _ := newTestRouter(t, NewLoadBalanced())
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, testProcessor("p1", 10, "face")))

	require.Equal(t, "load_balanced", r.CurrentStrategy())
	r.SetStrategy(NewRoundRobin())
	require.Equal(t, "round_robin", r.CurrentStrategy())
}
