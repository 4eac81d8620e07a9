package deadletter

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

func newTestWriter(t *testing.T) (*Writer, store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := store.NewRedisClient(rdb)
	return New(s, "", 0, nil, nil), s
}

func TestShouldDeadLetterBelowCapIsFalse(t *testing.T) {
	w, _ := newTestWriter(t)
	f := &frame.Event{Metadata: map[string]string{frame.MetadataRetryCount: "2"}}
	require.False(t, w.ShouldDeadLetter(f))
}

func TestShouldDeadLetterAtCapIsTrue(t *testing.T) {
	w, _ := newTestWriter(t)
	f := &frame.Event{Metadata: map[string]string{frame.MetadataRetryCount: "5"}}
	require.True(t, w.ShouldDeadLetter(f))
}

func TestIncrementRetryLeavesOriginalFrameUntouched(t *testing.T) {
	f := &frame.Event{Metadata: map[string]string{frame.MetadataRetryCount: "1"}}
	meta := IncrementRetry(f)
	require.Equal(t, "2", meta[frame.MetadataRetryCount])
	require.Equal(t, "1", f.Metadata[frame.MetadataRetryCount])
}

func TestWriteAppendsToDeadLetterStream(t *testing.T) {
	w, s := newTestWriter(t)
	f := &frame.Event{
		FrameID:   "f1",
		CameraID:  "c1",
		Timestamp: time.Now(),
		Format:    "jpeg",
		Metadata:  map[string]string{frame.MetadataRetryCount: "5"},
	}
	require.NoError(t, w.Write(context.Background(), f, "all_breakers_open"))

	n, err := s.XLen(context.Background(), DefaultStream)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
