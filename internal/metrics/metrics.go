// Package metrics exposes LunaRoute's Prometheus instrumentation, replacing
// the teacher's hand-written /metrics exposition text with real counters
// and gauges registered against prometheus/client_golang (spec §6/§8).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric LunaRoute's ingress and routing layers
// report; grounded in the teacher's handleMetrics handler (which built a
// fixed "llm_router_*"-prefixed text block by hand) but emitted through
// real collectors instead of a format string.
type Registry struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec

	RateLimitsTotal            *prometheus.CounterVec
	RateLimitAlternativesUsed  *prometheus.CounterVec
	FallbackTriggeredTotal     *prometheus.CounterVec
	CircuitBreakerState        *prometheus.GaugeVec
	ProviderHealthStatus       *prometheus.GaugeVec

	StreamTTFTSeconds      *prometheus.HistogramVec
	StreamChunksTotal      *prometheus.CounterVec
	StreamDurationSeconds  *prometheus.HistogramVec
	MemoryBoundHitTotal    *prometheus.CounterVec
}

// New builds a Registry with every collector registered, panicking on a
// duplicate registration (a programmer error, not a runtime condition).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lunaroute_requests_total",
			Help: "Total number of ingress requests.",
		}, []string{"listener", "model", "provider", "status_code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lunaroute_request_duration_seconds",
			Help:    "Ingress request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"listener", "model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lunaroute_tokens_total",
			Help: "Total number of tokens processed.",
		}, []string{"provider", "type"}),
		RateLimitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limits_total",
			Help: "Total number of times a provider candidate was skipped for being rate-limited.",
		}, []string{"provider"}),
		RateLimitAlternativesUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_alternatives_used_total",
			Help: "Total number of times the rate-limit-aware strategy picked an alternative provider.",
		}, []string{"provider"}),
		FallbackTriggeredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_triggered_total",
			Help: "Total number of times a request fell back from its primary provider.",
		}, []string{"original_provider", "chosen_provider"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
		}, []string{"provider"}),
		ProviderHealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_health_status",
			Help: "Provider health status (1=healthy, 0=unhealthy).",
		}, []string{"provider"}),
		StreamTTFTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lunaroute_stream_ttft_seconds",
			Help:    "Time to first streamed token, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"listener", "provider"}),
		StreamChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lunaroute_stream_chunks_total",
			Help: "Total number of SSE chunks forwarded to clients.",
		}, []string{"listener", "provider"}),
		StreamDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lunaroute_stream_duration_seconds",
			Help:    "Total duration of a streamed response, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"listener", "provider"}),
		MemoryBoundHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_bound_hit_total",
			Help: "Total number of streams that exceeded the background parser's event collection bound.",
		}, []string{"listener"}),
	}

	reg.MustRegister(
		r.RequestsTotal, r.RequestDuration, r.TokensTotal,
		r.RateLimitsTotal, r.RateLimitAlternativesUsed, r.FallbackTriggeredTotal,
		r.CircuitBreakerState, r.ProviderHealthStatus,
		r.StreamTTFTSeconds, r.StreamChunksTotal, r.StreamDurationSeconds,
		r.MemoryBoundHitTotal,
	)
	return r
}

// Handler returns the Prometheus scrape endpoint handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// BreakerStateValue maps routing.BreakerState's string form onto the
// circuit_breaker_state gauge's numeric convention.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // "closed"
		return 0
	}
}
