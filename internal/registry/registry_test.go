package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(store.NewRedisClient(rdb), nil)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	p := &frame.Processor{ID: "proc-1", Capabilities: []string{"face"}, Capacity: 10}

	require.NoError(t, r.Register(ctx, p))
	err := r.Register(ctx, p)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestRegisterMaintainsCapabilityIndex(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &frame.Processor{ID: "proc-1", Capabilities: []string{"face", "object"}, Capacity: 10}))

	byFace, err := r.FindByCapability(ctx, "face")
	require.NoError(t, err)
	require.Len(t, byFace, 1)
	require.Equal(t, "proc-1", byFace[0].ID)

	byObject, err := r.FindByCapability(ctx, "object")
	require.NoError(t, err)
	require.Len(t, byObject, 1)
}

func TestUnregisterPrunesIndexFromStoredCopy(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &frame.Processor{ID: "proc-1", Capabilities: []string{"face", "object"}, Capacity: 10}))

	require.NoError(t, r.Unregister(ctx, "proc-1"))

	byFace, err := r.FindByCapability(ctx, "face")
	require.NoError(t, err)
	require.Empty(t, byFace)

	_, ok, err := r.Get(ctx, "proc-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnregisterMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Unregister(context.Background(), "nope")
	require.Error(t, err)
}

func TestUpdateDiffsCapabilityIndexPrecisely(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &frame.Processor{ID: "proc-1", Capabilities: []string{"face", "object"}, Capacity: 10}))

	require.NoError(t, r.Update(ctx, &frame.Processor{ID: "proc-1", Capabilities: []string{"face", "motion"}, Capacity: 20}))

	byFace, _ := r.FindByCapability(ctx, "face")
	require.Len(t, byFace, 1)
	byObject, _ := r.FindByCapability(ctx, "object")
	require.Empty(t, byObject)
	byMotion, _ := r.FindByCapability(ctx, "motion")
	require.Len(t, byMotion, 1)

	got, ok, err := r.Get(ctx, "proc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20, got.Capacity)
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Update(context.Background(), &frame.Processor{ID: "nope", Capabilities: []string{"face"}, Capacity: 1})
	require.Error(t, err)
}

func TestListAllSkipsCorruptValuesButKeepsGood(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &frame.Processor{ID: "proc-1", Capabilities: []string{"face"}, Capacity: 10}))

	require.NoError(t, r.store.HSet(ctx, registryKey, map[string]string{"corrupt": "{not json"}))

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "proc-1", all[0].ID)
}

func TestRegisterValidatesDescriptor(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(context.Background(), &frame.Processor{Capabilities: []string{"face"}, Capacity: 10})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindValidation))
}
