package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameworks-oss/frameorchestrator/internal/frame"
)

func cand(id string, loadPct float64, caps ...string) Candidate {
	p := &frame.Processor{ID: id, Capabilities: caps, Capacity: 10}
	return Candidate{Processor: p, LoadPct: loadPct}
}

func TestLoadBalancedPicksWithinBandOfMinimumWhenUnderThreshold(t *testing.T) {
	s := NewLoadBalanced()
	candidates := []Candidate{cand("a", 10), cand("b", 15), cand("c", 50)}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		p, err := s.Select(context.Background(), &frame.Event{}, candidates)
		require.NoError(t, err)
		seen[p.ID] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.False(t, seen["c"], "c is outside the 10-point band above the minimum and must never be picked")
}

func TestLoadBalancedFallsBackToLeastLoadedWhenAllOverThreshold(t *testing.T) {
	s := NewLoadBalanced()
	candidates := []Candidate{cand("a", 95), cand("b", 90), cand("c", 99)}
	p, err := s.Select(context.Background(), &frame.Event{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)
}

func TestRoundRobinCyclesThroughCandidatesInOrder(t *testing.T) {
	s := NewRoundRobin()
	candidates := []Candidate{cand("b", 0), cand("a", 0), cand("c", 0)}
	var order []string
	for i := 0; i < 6; i++ {
		p, err := s.Select(context.Background(), &frame.Event{}, candidates)
		require.NoError(t, err)
		order = append(order, p.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestCameraAffinityIsConsistentForSameCamera(t *testing.T) {
	s := NewCameraAffinity()
	candidates := []Candidate{cand("a", 0), cand("b", 0), cand("c", 0)}
	f := &frame.Event{CameraID: "cam-42"}
	first, err := s.Select(context.Background(), f, candidates)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		p, err := s.Select(context.Background(), f, candidates)
		require.NoError(t, err)
		assert.Equal(t, first.ID, p.ID)
	}
}

func TestCapabilityAwarePrefersFewestCapabilities(t *testing.T) {
	s := NewCapabilityAware()
	candidates := []Candidate{
		cand("generalist", 0, "face", "plate", "motion"),
		cand("specialist", 0, "face"),
	}
	p, err := s.Select(context.Background(), &frame.Event{}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "specialist", p.ID)
}

func TestPriorityAwareRoutesHighPriorityToLeastLoaded(t *testing.T) {
	s := NewPriorityAware(5)
	candidates := []Candidate{cand("a", 50), cand("b", 10)}
	f := &frame.Event{Metadata: map[string]string{frame.MetadataPriority: "9"}}
	p, err := s.Select(context.Background(), f, candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)
}

func TestAdaptiveNeverPicksOutsideCandidateSet(t *testing.T) {
	s := NewAdaptive()
	candidates := []Candidate{cand("a", 10), cand("b", 90)}
	valid := map[string]bool{"a": true, "b": true}
	for i := 0; i < 50; i++ {
		p, err := s.Select(context.Background(), &frame.Event{}, candidates)
		require.NoError(t, err)
		assert.True(t, valid[p.ID])
	}
}

func TestSelectOnEmptyCandidatesReturnsNil(t *testing.T) {
	for _, s := range []Strategy{NewLoadBalanced(), NewRoundRobin(), NewCameraAffinity(), NewCapabilityAware(), NewPriorityAware(5), NewAdaptive()} {
		p, err := s.Select(context.Background(), &frame.Event{}, nil)
		require.NoError(t, err)
		assert.Nil(t, p)
	}
}
