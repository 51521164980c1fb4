package routing

import (
	"sync"
	"time"
)

// HealthStatus mirrors original_source's health.rs HealthStatus enum.
type HealthStatus int

const (
	Unknown HealthStatus = iota
	Healthy
	Degraded
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthMonitorConfig mirrors health.rs's HealthMonitorConfig defaults.
type HealthMonitorConfig struct {
	HealthyThreshold   float64
	UnhealthyThreshold float64
	FailureWindow      time.Duration
	MinRequests        uint64
}

func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		HealthyThreshold:   0.95,
		UnhealthyThreshold: 0.75,
		FailureWindow:      60 * time.Second,
		MinRequests:        10,
	}
}

// Validate rejects threshold combinations outside 0 ≤ unhealthy < healthy ≤ 1.
func (c HealthMonitorConfig) Validate() error {
	if c.UnhealthyThreshold < 0 || c.HealthyThreshold > 1 || c.UnhealthyThreshold >= c.HealthyThreshold {
		return &FieldError{Field: "thresholds", Reason: "require 0 <= unhealthy_threshold < healthy_threshold <= 1"}
	}
	return nil
}

// FieldError is a small validation error shared by the routing package.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// ProviderHealth holds one provider's rolling success/failure counters.
type ProviderHealth struct {
	mu            sync.RWMutex
	successCount  uint64
	failureCount  uint64
	lastSuccess   *time.Time
	lastFailure   *time.Time
}

func NewProviderHealth() *ProviderHealth {
	return &ProviderHealth{}
}

func (p *ProviderHealth) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successCount++
	now := time.Now()
	p.lastSuccess = &now
}

func (p *ProviderHealth) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount++
	now := time.Now()
	p.lastFailure = &now
}

// SuccessRate defaults to 1.0 with zero samples (health.rs: "an untested
// provider is assumed healthy until proven otherwise").
func (p *ProviderHealth) SuccessRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := p.successCount + p.failureCount
	if total == 0 {
		return 1.0
	}
	return float64(p.successCount) / float64(total)
}

func (p *ProviderHealth) Total() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.successCount + p.failureCount
}

// HealthMetrics is a point-in-time snapshot for metrics/debug endpoints.
type HealthMetrics struct {
	SuccessCount uint64
	FailureCount uint64
	SuccessRate  float64
	Status       HealthStatus
}

// HealthMonitor tracks ProviderHealth per provider and derives a
// HealthStatus, per health.rs's get_status ordering:
//  1. Unknown if total < min_requests.
//  2. Unhealthy if the most recent timed event is a failure and no success
//     has landed within failure_window (catches degradation before the
//     success-rate average has time to drop).
//  3. Otherwise, threshold bands on the success rate.
type HealthMonitor struct {
	cfg HealthMonitorConfig

	mu        sync.RWMutex
	providers map[string]*ProviderHealth
}

func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	return &HealthMonitor{cfg: cfg, providers: make(map[string]*ProviderHealth)}
}

func (m *HealthMonitor) get(provider string) *ProviderHealth {
	m.mu.RLock()
	p, ok := m.providers[provider]
	m.mu.RUnlock()
	if ok {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.providers[provider]; ok {
		return p
	}
	p = NewProviderHealth()
	m.providers[provider] = p
	return p
}

func (m *HealthMonitor) RecordSuccess(provider string) { m.get(provider).RecordSuccess() }
func (m *HealthMonitor) RecordFailure(provider string) { m.get(provider).RecordFailure() }

func (m *HealthMonitor) GetStatus(provider string) HealthStatus {
	p := m.get(provider)
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := p.successCount + p.failureCount
	if total < m.cfg.MinRequests {
		return Unknown
	}

	now := time.Now()
	hasRecentFailure := p.lastFailure != nil && now.Sub(*p.lastFailure) < m.cfg.FailureWindow
	hasRecentSuccess := p.lastSuccess != nil && now.Sub(*p.lastSuccess) < m.cfg.FailureWindow

	if hasRecentFailure && !hasRecentSuccess {
		return Unhealthy
	}

	rate := float64(p.successCount) / float64(total)
	switch {
	case rate >= m.cfg.HealthyThreshold:
		return Healthy
	case rate >= m.cfg.UnhealthyThreshold:
		return Degraded
	default:
		return Unhealthy
	}
}

// IsHealthy treats Unknown as eligible for routing, per spec §4.L4.
func (m *HealthMonitor) IsHealthy(provider string) bool {
	status := m.GetStatus(provider)
	return status == Healthy || status == Unknown
}

func (m *HealthMonitor) Metrics(provider string) HealthMetrics {
	p := m.get(provider)
	p.mu.RLock()
	success, failure := p.successCount, p.failureCount
	p.mu.RUnlock()
	return HealthMetrics{
		SuccessCount: success,
		FailureCount: failure,
		SuccessRate:  p.SuccessRate(),
		Status:       m.GetStatus(provider),
	}
}
