package routing

import (
	"errors"
	"sync/atomic"
	"time"
)

// Strategy errors, mirrored from original_source's strategy.rs StrategyError.
var (
	ErrEmptyProviderList       = errors.New("routing: empty provider list")
	ErrZeroTotalWeight         = errors.New("routing: total weight is zero")
	ErrWeightOverflow          = errors.New("routing: weight sum overflowed")
	ErrAllProvidersRateLimited = errors.New("routing: all providers rate limited")
)

// WeightedProvider pairs a provider id with its relative weight.
type WeightedProvider struct {
	ID     string
	Weight uint32
}

// RoundRobinState is a wrapping atomic counter over a fixed-length list,
// grounded in strategy.rs's StrategyState.round_robin_counter
// (AtomicUsize + fetch_update/wrapping_add).
type RoundRobinState struct {
	counter atomic.Uint64
}

func (s *RoundRobinState) Select(providers []string) (string, error) {
	if len(providers) == 0 {
		return "", ErrEmptyProviderList
	}
	idx := s.counter.Add(1) - 1
	return providers[idx%uint64(len(providers))], nil
}

// WeightedRoundRobinState implements the smooth/cumulative-weight selection
// algorithm (nginx-style): position modulo total weight, walk the cumulative
// weights, return the first provider whose cumulative weight exceeds the
// normalized position.
type WeightedRoundRobinState struct {
	counter atomic.Uint64
}

func (s *WeightedRoundRobinState) Select(providers []WeightedProvider) (string, error) {
	if len(providers) == 0 {
		return "", ErrEmptyProviderList
	}

	var total uint64
	for _, p := range providers {
		total += uint64(p.Weight)
		if total > 1<<63 {
			return "", ErrWeightOverflow
		}
	}
	if total == 0 {
		return "", ErrZeroTotalWeight
	}

	position := s.counter.Add(1) - 1
	normalized := position % total

	var cumulative uint64
	for _, p := range providers {
		cumulative += uint64(p.Weight)
		if normalized < cumulative {
			return p.ID, nil
		}
	}
	// Unreachable given the invariant normalized < total, but keep a
	// deterministic fallback.
	return providers[len(providers)-1].ID, nil
}

// LimitsAlternativeConfig configures the primary/alternative provider lists.
type LimitsAlternativeConfig struct {
	Primary             []string
	Alternative         []string
	BackoffBaseSecs      int
}

func (c LimitsAlternativeConfig) Validate() error {
	if len(c.Primary) == 0 || len(c.Alternative) == 0 {
		return errors.New("routing: limits-alternative requires non-empty primary and alternative lists")
	}
	if c.BackoffBaseSecs <= 0 {
		return errors.New("routing: limits-alternative requires backoff_base_secs > 0")
	}
	return nil
}

// SelectLimitsAlternative returns the first non-rate-limited primary
// provider, else the first non-rate-limited alternative, else
// ErrAllProvidersRateLimited. Expired entries are cleared first.
func SelectLimitsAlternative(cfg LimitsAlternativeConfig, tracker *RateLimitTracker) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	tracker.ClearExpired()

	for _, p := range cfg.Primary {
		if !tracker.IsBlocked(p) {
			return p, nil
		}
	}
	for _, p := range cfg.Alternative {
		if !tracker.IsBlocked(p) {
			return p, nil
		}
	}
	return "", ErrAllProvidersRateLimited
}

// StrategyKind tags which RoutingStrategy variant is active.
type StrategyKind int

const (
	StrategyRoundRobin StrategyKind = iota
	StrategyWeightedRoundRobin
	StrategyLimitsAlternative
)

// RoutingStrategy is the tagged union spec §4.L7 describes, serialized with
// a "type" discriminator in config (kebab-case: round-robin,
// weighted-round-robin, limits-alternative).
type RoutingStrategy struct {
	Kind               StrategyKind
	Providers          []string           // RoundRobin
	WeightedProviders  []WeightedProvider // WeightedRoundRobin
	LimitsAlternative  LimitsAlternativeConfig
}

func (s RoutingStrategy) Validate() error {
	switch s.Kind {
	case StrategyRoundRobin:
		if len(s.Providers) == 0 {
			return ErrEmptyProviderList
		}
	case StrategyWeightedRoundRobin:
		if len(s.WeightedProviders) == 0 {
			return ErrEmptyProviderList
		}
		var total uint64
		for _, p := range s.WeightedProviders {
			total += uint64(p.Weight)
		}
		if total == 0 {
			return ErrZeroTotalWeight
		}
	case StrategyLimitsAlternative:
		return s.LimitsAlternative.Validate()
	}
	return nil
}

// StrategyState holds the per-strategy atomic counters and shared rate-limit
// tracker needed to select a candidate list.
type StrategyState struct {
	roundRobin *RoundRobinState
	weighted   *WeightedRoundRobinState
	RateLimits *RateLimitTracker
}

func NewStrategyState(baseDelay time.Duration) *StrategyState {
	return &StrategyState{
		roundRobin: &RoundRobinState{},
		weighted:   &WeightedRoundRobinState{},
		RateLimits: NewRateLimitTracker(baseDelay),
	}
}

// SelectProvider dispatches to the variant named by strategy.Kind.
func (s *StrategyState) SelectProvider(strategy RoutingStrategy) (string, error) {
	switch strategy.Kind {
	case StrategyRoundRobin:
		return s.roundRobin.Select(strategy.Providers)
	case StrategyWeightedRoundRobin:
		return s.weighted.Select(strategy.WeightedProviders)
	case StrategyLimitsAlternative:
		return SelectLimitsAlternative(strategy.LimitsAlternative, s.RateLimits)
	default:
		return "", ErrEmptyProviderList
	}
}

// CandidateList materializes the full ordered candidate sequence for a
// strategy, used when the router needs more than a single pick (e.g. to
// build a fallback cascade for LimitsAlternative: primary list then
// alternative list, skipping rate-limited entries at iteration time rather
// than at materialization time, since a later candidate may become
// available while an earlier one is being tried).
func CandidateList(strategy RoutingStrategy) []string {
	switch strategy.Kind {
	case StrategyRoundRobin:
		return strategy.Providers
	case StrategyWeightedRoundRobin:
		ids := make([]string, len(strategy.WeightedProviders))
		for i, p := range strategy.WeightedProviders {
			ids[i] = p.ID
		}
		return ids
	case StrategyLimitsAlternative:
		out := make([]string, 0, len(strategy.LimitsAlternative.Primary)+len(strategy.LimitsAlternative.Alternative))
		out = append(out, strategy.LimitsAlternative.Primary...)
		out = append(out, strategy.LimitsAlternative.Alternative...)
		return out
	default:
		return nil
	}
}
