// Package connector implements spec §4.L2: provider connectors that render
// a NormalizedRequest through a dialect codec, call the upstream HTTP(S)
// API, and classify the outcome for the router's candidate-iteration loop.
package connector

import (
	"context"

	"github.com/erans/lunaroute/internal/model"
)

// Classification is the outcome category the router needs to decide what to
// do next (spec §4.L2, §4.M1).
type Classification int

const (
	Success Classification = iota
	TransientError
	RateLimited
	AuthError
	PermanentError
)

// Outcome carries a Classification plus the details the router needs to act
// on it (retry-after seconds for RateLimited, the error for logging).
type Outcome struct {
	Classification Classification
	RetryAfterSecs *int
	Err            error
}

// Connector is the contract every provider connector and decorator
// implements (spec §4.L2).
type Connector interface {
	// Name identifies the provider this connector talks to (used as the map
	// key in circuit breaker / health / rate-limit state).
	Name() string

	Complete(ctx context.Context, req *model.NormalizedRequest) (*model.NormalizedResponse, Outcome)

	// Stream opens an SSE connection and returns a channel of normalized
	// events plus the outcome of the *opening handshake* (once streaming
	// begins, failures surface as a StreamError event on the channel
	// instead, per spec §4.M1's "no mid-stream failover").
	Stream(ctx context.Context, req *model.NormalizedRequest) (<-chan model.StreamEvent, Outcome)
}

// RetryConfig controls the connector's own transport-level retry behavior
// (spec §4.L2: "retries on transport errors and on HTTP 5xx up to
// max_retries with exponential backoff").
type RetryConfig struct {
	MaxRetries int
	BaseDelayMs int
	MaxDelayMs  int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelayMs: 200, MaxDelayMs: 5000}
}
