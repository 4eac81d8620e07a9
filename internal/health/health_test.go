package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBreaker struct {
	mu       sync.Mutex
	failures map[string]int
	successes map[string]int
}

func newFakeBreaker() *fakeBreaker {
	return &fakeBreaker{failures: map[string]int{}, successes: map[string]int{}}
}

func (f *fakeBreaker) RecordFailure(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
}

func (f *fakeBreaker) RecordSuccess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[id]++
}

func (f *fakeBreaker) failureCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[id]
}

func (f *fakeBreaker) successCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes[id]
}

func newServer(t *testing.T, status Status, capacity float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(payload{Status: status, CapacityUsed: capacity, FramesProcessed: 42})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeOnceClassifiesHealthyPayload(t *testing.T) {
	srv := newServer(t, StatusHealthy, 0.5)
	b := newFakeBreaker()
	m := New(DefaultConfig(), b, nil, nil)
	m.states["p1"] = &processorState{status: StatusUnknown}

	m.probeOnce(context.Background(), "p1", srv.URL)

	assert.Equal(t, StatusHealthy, m.Status("p1"))
	assert.Equal(t, 0.5, m.Details("p1").CapacityUsed)
	assert.Equal(t, int64(42), m.Details("p1").FramesProcessed)
}

func TestProbeOnceNonSuccessStatusIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(DefaultConfig(), nil, nil, nil)
	m.states["p1"] = &processorState{status: StatusUnknown}
	m.probeOnce(context.Background(), "p1", srv.URL)

	assert.Equal(t, StatusUnhealthy, m.Status("p1"))
}

func TestProbeOnceUnreachableEndpointIsUnhealthy(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.states["p1"] = &processorState{status: StatusUnknown}
	m.probeOnce(context.Background(), "p1", "http://127.0.0.1:0/nonexistent")

	assert.Equal(t, StatusUnhealthy, m.Status("p1"))
}

func TestUnhealthyStreakTripsBreakerAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	b := newFakeBreaker()
	m := New(cfg, b, nil, nil)
	m.states["p1"] = &processorState{status: StatusUnknown}

	m.probeOnce(context.Background(), "p1", srv.URL)
	assert.Equal(t, 0, b.failureCount("p1"), "first failure must not yet trip the streak threshold")

	m.probeOnce(context.Background(), "p1", srv.URL)
	assert.Equal(t, 1, b.failureCount("p1"))
}

func TestSustainedRecoveryClearsBreaker(t *testing.T) {
	srv := newServer(t, StatusHealthy, 0.1)
	cfg := DefaultConfig()
	cfg.RecoveryTimeout = time.Millisecond
	b := newFakeBreaker()
	m := New(cfg, b, nil, nil)
	m.states["p1"] = &processorState{status: StatusUnhealthy, unhealthyStreak: 5}

	m.probeOnce(context.Background(), "p1", srv.URL)
	assert.Equal(t, 0, b.successCount("p1"), "must not clear until the healthy run exceeds recovery timeout")

	time.Sleep(5 * time.Millisecond)
	m.probeOnce(context.Background(), "p1", srv.URL)
	assert.Equal(t, 1, b.successCount("p1"))
}

func TestOnStatusChangeFiresExactlyOncePerTransition(t *testing.T) {
	srv := newServer(t, StatusHealthy, 0.1)
	var transitions []string
	var mu sync.Mutex
	onChange := func(id string, old, new Status) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(old)+"->"+string(new))
	}
	m := New(DefaultConfig(), nil, nil, onChange)
	m.states["p1"] = &processorState{status: StatusUnknown}

	m.probeOnce(context.Background(), "p1", srv.URL)
	m.probeOnce(context.Background(), "p1", srv.URL)
	m.probeOnce(context.Background(), "p1", srv.URL)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, "unknown->healthy", transitions[0])
}

func TestWatchAndUnwatchManageProbeLifecycle(t *testing.T) {
	srv := newServer(t, StatusHealthy, 0.1)
	m := New(DefaultConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx, "p1", srv.URL)

	require.Eventually(t, func() bool {
		return m.Status("p1") == StatusHealthy
	}, time.Second, 5*time.Millisecond)

	m.Unwatch("p1")
	assert.Equal(t, StatusUnknown, m.Status("p1"))
}

func TestStatusAndDetailsUnknownForUnwatchedProcessor(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	assert.Equal(t, StatusUnknown, m.Status("missing"))
	assert.Equal(t, Details{}, m.Details("missing"))
}
