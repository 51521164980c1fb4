package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobin_CyclesThroughProviders(t *testing.T) {
	s := &RoundRobinState{}
	providers := []string{"a", "b", "c"}
	var picks []string
	for i := 0; i < 6; i++ {
		p, err := s.Select(providers)
		require.NoError(t, err)
		picks = append(picks, p)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobin_SingleProvider(t *testing.T) {
	s := &RoundRobinState{}
	for i := 0; i < 3; i++ {
		p, err := s.Select([]string{"only"})
		require.NoError(t, err)
		assert.Equal(t, "only", p)
	}
}

func TestRoundRobin_EmptyListErrors(t *testing.T) {
	s := &RoundRobinState{}
	_, err := s.Select(nil)
	assert.ErrorIs(t, err, ErrEmptyProviderList)
}

func TestWeightedRoundRobin_EqualWeightsDistributeEvenly(t *testing.T) {
	s := &WeightedRoundRobinState{}
	providers := []WeightedProvider{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}
	counts := map[string]int{}
	const n = 1000
	for i := 0; i < n; i++ {
		p, err := s.Select(providers)
		require.NoError(t, err)
		counts[p]++
	}
	assert.InDelta(t, n/2, counts["a"], 1)
	assert.InDelta(t, n/2, counts["b"], 1)
}

func TestWeightedRoundRobin_ProportionalToWeight(t *testing.T) {
	s := &WeightedRoundRobinState{}
	providers := []WeightedProvider{{ID: "heavy", Weight: 3}, {ID: "light", Weight: 1}}
	counts := map[string]int{}
	const n = 4000
	for i := 0; i < n; i++ {
		p, _ := s.Select(providers)
		counts[p]++
	}
	assert.InDelta(t, float64(n)*0.75, float64(counts["heavy"]), float64(n)*0.02)
	assert.InDelta(t, float64(n)*0.25, float64(counts["light"]), float64(n)*0.02)
}

func TestWeightedRoundRobin_ZeroTotalWeight(t *testing.T) {
	s := &WeightedRoundRobinState{}
	_, err := s.Select([]WeightedProvider{{ID: "a", Weight: 0}})
	assert.ErrorIs(t, err, ErrZeroTotalWeight)
}

func TestWeightedRoundRobin_EmptyList(t *testing.T) {
	s := &WeightedRoundRobinState{}
	_, err := s.Select(nil)
	assert.ErrorIs(t, err, ErrEmptyProviderList)
}

func TestLimitsAlternative_PrefersFirstNonBlockedPrimary(t *testing.T) {
	tracker := NewRateLimitTracker(time.Minute)
	cfg := LimitsAlternativeConfig{Primary: []string{"p1", "p2"}, Alternative: []string{"alt1"}, BackoffBaseSecs: 60}

	p, err := SelectLimitsAlternative(cfg, tracker)
	require.NoError(t, err)
	assert.Equal(t, "p1", p)
}

func TestLimitsAlternative_FallsBackWhenPrimariesBlocked(t *testing.T) {
	tracker := NewRateLimitTracker(time.Minute)
	tracker.RecordRateLimit("p1", nil)
	tracker.RecordRateLimit("p2", nil)
	cfg := LimitsAlternativeConfig{Primary: []string{"p1", "p2"}, Alternative: []string{"alt1"}, BackoffBaseSecs: 60}

	p, err := SelectLimitsAlternative(cfg, tracker)
	require.NoError(t, err)
	assert.Equal(t, "alt1", p)
}

func TestLimitsAlternative_AllBlockedErrors(t *testing.T) {
	tracker := NewRateLimitTracker(time.Minute)
	tracker.RecordRateLimit("p1", nil)
	tracker.RecordRateLimit("alt1", nil)
	cfg := LimitsAlternativeConfig{Primary: []string{"p1"}, Alternative: []string{"alt1"}, BackoffBaseSecs: 60}

	_, err := SelectLimitsAlternative(cfg, tracker)
	assert.ErrorIs(t, err, ErrAllProvidersRateLimited)
}

func TestLimitsAlternative_ValidatesEmptyLists(t *testing.T) {
	cfg := LimitsAlternativeConfig{Primary: nil, Alternative: []string{"alt1"}, BackoffBaseSecs: 60}
	assert.Error(t, cfg.Validate())
}

func TestRoutingStrategy_ValidateWeightedZeroTotal(t *testing.T) {
	s := RoutingStrategy{Kind: StrategyWeightedRoundRobin, WeightedProviders: []WeightedProvider{{ID: "a", Weight: 0}}}
	assert.ErrorIs(t, s.Validate(), ErrZeroTotalWeight)
}
