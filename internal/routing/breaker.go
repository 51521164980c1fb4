// Package routing implements spec §4.L3-L7 and §4.M1: per-provider circuit
// breakers, health monitoring, rate-limit tracking, the routing table, the
// strategy engine, and the router core that composes them.
package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker's state machine position, grounded in
// original_source/crates/lunaroute-routing/src/circuit_breaker.rs.
type BreakerState int32

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig mirrors circuit_breaker.rs's CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	OpenDuration      time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
}

// CircuitBreaker tracks one provider's failure/success streaks and gates
// whether requests may be attempted. Every state transition — including the
// transition INTO Open — resets both consecutive counters to zero, per
// circuit_breaker.rs. Failures recorded while Open are not counted, so at
// FailureThreshold=3, 100 consecutive failures leave consecutive_failures at
// 0: the 3rd failure trips the breaker and resets the counter, and the
// remaining 97 land while Open without changing it.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	consecutiveSuccesses int
	lastTransition      time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed, lastTransition: time.Now()}
}

func (b *CircuitBreaker) transition(to BreakerState) {
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.lastTransition = time.Now()
}

// State returns the current state, first promoting Open→HalfOpen if
// OpenDuration has elapsed (lazy transition, matching the Rust original's
// "check on access" style rather than a background timer).
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.lastTransition) >= b.cfg.OpenDuration {
		b.transition(HalfOpen)
	}
}

// Allow reports whether a request may be attempted right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state != Open
}

// RecordSuccess registers a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
	case HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	case Open:
		// Shouldn't happen (Allow() gates calls), but stay consistent.
	}
}

// RecordFailure registers a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Closed:
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	case Open:
		// already open; nothing to update
	}
}

// ForceOpen trips the breaker unconditionally (operator override).
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Open)
}

// ForceClose resets the breaker unconditionally (operator override).
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}

// Snapshot is a point-in-time view for metrics/debug endpoints.
type BreakerSnapshot struct {
	State                BreakerState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransition       time.Time
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return BreakerSnapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransition:       b.lastTransition,
	}
}

// BreakerRegistry keys CircuitBreakers by provider name. Providers are
// registered lazily on first use with DefaultBreakerConfig unless
// pre-registered via Register.
type BreakerRegistry struct {
	cfg  BreakerConfig
	mu   sync.RWMutex
	byProvider map[string]*CircuitBreaker
	count atomic.Int64
}

func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, byProvider: make(map[string]*CircuitBreaker)}
}

func (r *BreakerRegistry) Get(provider string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.byProvider[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.byProvider[provider]; ok {
		return b
	}
	b = NewCircuitBreaker(r.cfg)
	r.byProvider[provider] = b
	r.count.Add(1)
	return b
}
