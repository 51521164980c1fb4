package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	lrconnector "github.com/erans/lunaroute/internal/connector"
	"github.com/erans/lunaroute/internal/model"
)

// SwitchNotificationConfig controls the synthetic message injected when a
// client is served by a provider other than the originally selected primary
// (spec §4.M1 "Switch notification").
type SwitchNotificationConfig struct {
	Enabled          bool
	Template         string // e.g. "${original_provider} was unavailable, switched to ${new_provider} (${reason})"
	ProviderOverride map[string]string // per-provider override template, keyed by new_provider
}

// Router is the M1 component: it composes the routing table (L6), strategy
// engine (L7), circuit breakers (L3), health monitor (L4), and rate-limit
// tracker (L5) to select a provider, invoke its Connector, and cascade
// through fallbacks on failure (spec §4.M1). It supersedes the teacher's
// cost/performance/round-robin Router, which picked a provider once with no
// circuit breaker, health-aware skip, or rate-limit-aware cascade.
type Router struct {
	Table      *RoutingTable
	Breakers   *BreakerRegistry
	Health     *HealthMonitor
	Strategies *StrategyState
	Switch     SwitchNotificationConfig
	Logger     *logrus.Logger

	mu         sync.RWMutex
	connectors map[string]lrconnector.Connector
}

func NewRouter(table *RoutingTable, breakers *BreakerRegistry, health *HealthMonitor, strategies *StrategyState, logger *logrus.Logger) *Router {
	return &Router{
		Table:      table,
		Breakers:   breakers,
		Health:     health,
		Strategies: strategies,
		Logger:     logger,
		connectors: make(map[string]lrconnector.Connector),
	}
}

// RegisterConnector wires a named provider's connector into the router.
func (r *Router) RegisterConnector(name string, c lrconnector.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = c
}

func (r *Router) connector(name string) (lrconnector.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// NoRouteError mirrors spec §4.M1 step 2's NoRoute{model}.
type NoRouteError struct{ Model string }

func (e *NoRouteError) Error() string { return fmt.Sprintf("router: no route for model %q", e.Model) }

// candidates resolves a Decision into the ordered provider list to try,
// materializing from the Strategy engine when the decision carries one.
func (r *Router) candidates(d Decision) ([]string, error) {
	if d.Strategy == nil {
		out := make([]string, 0, 1+len(d.Fallbacks))
		out = append(out, d.Primary)
		out = append(out, d.Fallbacks...)
		return out, nil
	}
	if d.Strategy.Kind == StrategyLimitsAlternative {
		// Already rate-limit-aware; the router still wants the full
		// ordered list to cascade through on non-rate-limit failures.
		return CandidateList(*d.Strategy), nil
	}

	picked, err := r.Strategies.SelectProvider(*d.Strategy)
	if err != nil {
		return nil, err
	}
	// Put the picked provider first, followed by the remaining
	// candidates in list order, so a non-rate-limit failure still
	// cascades instead of dead-ending on one pick.
	rest := CandidateList(*d.Strategy)
	ordered := make([]string, 0, len(rest))
	ordered = append(ordered, picked)
	for _, c := range rest {
		if c != picked {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// switchGuard ensures at most one switch-notification is injected per
// request even across a multi-hop fallback cascade.
type switchGuard struct {
	fired bool
}

func (g *switchGuard) shouldFire(original, chosen string) bool {
	if g.fired || original == chosen {
		return false
	}
	g.fired = true
	return true
}

func (r *Router) switchNotification(original, chosen, reason, modelName string) string {
	tmpl := r.Switch.Template
	if override, ok := r.Switch.ProviderOverride[chosen]; ok {
		tmpl = override
	}
	vars := map[string]string{
		"original_provider": original,
		"new_provider":      chosen,
		"reason":            reason,
		"model":             modelName,
	}
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "${"+k+"}", v)
	}
	return out
}

// Complete executes spec §4.M1 steps 1-5 for a non-streaming request.
func (r *Router) Complete(ctx context.Context, routeCtx RoutingContext, req *model.NormalizedRequest) (*model.NormalizedResponse, error) {
	decision, err := r.Table.Decide(routeCtx)
	if err != nil {
		return nil, &NoRouteError{Model: routeCtx.Model}
	}
	candidates, err := r.candidates(decision)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &NoRouteError{Model: routeCtx.Model}
	}

	original := candidates[0]
	guard := &switchGuard{}

	for _, name := range candidates {
		if r.Strategies.RateLimits.IsBlocked(name) {
			continue
		}
		breaker := r.Breakers.Get(name)
		if !breaker.Allow() {
			continue
		}
		conn, ok := r.connector(name)
		if !ok {
			continue
		}

		resp, outcome := conn.Complete(ctx, req)
		switch outcome.Classification {
		case lrconnector.Success:
			breaker.RecordSuccess()
			r.Health.RecordSuccess(name)
			if resp != nil {
				resp.RouterMetadata = &model.RouterMetadata{
					Provider: name,
					Model:    req.Model,
				}
				if name != original {
					resp.RouterMetadata.RoutingReason = []string{"fallback from " + original}
				}
			}
			if r.Switch.Enabled && guard.shouldFire(original, name) {
				injectSwitchMessage(resp, r.switchNotification(original, name, "fallback", req.Model))
			}
			return resp, nil
		case lrconnector.RateLimited:
			r.Strategies.RateLimits.RecordRateLimit(name, retryAfterDuration(outcome))
			continue
		case lrconnector.TransientError, lrconnector.AuthError, lrconnector.PermanentError:
			breaker.RecordFailure()
			continue
		}
	}

	return nil, fmt.Errorf("router: all candidates exhausted for model %q", req.Model)
}

func retryAfterDuration(outcome lrconnector.Outcome) *time.Duration {
	if outcome.RetryAfterSecs == nil {
		return nil
	}
	d := time.Duration(*outcome.RetryAfterSecs) * time.Second
	return &d
}

// injectSwitchMessage prepends the switch-notification text as the first
// choice-0 content fragment (spec §4.M1).
func injectSwitchMessage(resp *model.NormalizedResponse, notice string) {
	if resp == nil || len(resp.Choices) == 0 {
		return
	}
	resp.Choices[0].Message.Text = notice + "\n\n" + resp.Choices[0].Message.Text
}

// Stream executes spec §4.M1's streaming path: identical candidate
// iteration, but the first candidate that opens a stream successfully wins;
// once a stream is open, failures surface as a terminal StreamError event,
// never a fallback to a different candidate (spec §4.M1 "does not attempt
// mid-stream failover").
func (r *Router) Stream(ctx context.Context, routeCtx RoutingContext, req *model.NormalizedRequest) (<-chan model.StreamEvent, error) {
	decision, err := r.Table.Decide(routeCtx)
	if err != nil {
		return nil, &NoRouteError{Model: routeCtx.Model}
	}
	candidates, err := r.candidates(decision)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &NoRouteError{Model: routeCtx.Model}
	}

	original := candidates[0]
	guard := &switchGuard{}

	for _, name := range candidates {
		if r.Strategies.RateLimits.IsBlocked(name) {
			continue
		}
		breaker := r.Breakers.Get(name)
		if !breaker.Allow() {
			continue
		}
		conn, ok := r.connector(name)
		if !ok {
			continue
		}

		events, outcome := conn.Stream(ctx, req)
		switch outcome.Classification {
		case lrconnector.Success:
			breaker.RecordSuccess()
			r.Health.RecordSuccess(name)
			out := make(chan model.StreamEvent, 16)
			go r.forwardStream(events, out, guard, original, name, req.Model)
			return out, nil
		case lrconnector.RateLimited:
			r.Strategies.RateLimits.RecordRateLimit(name, retryAfterDuration(outcome))
			continue
		case lrconnector.TransientError, lrconnector.AuthError, lrconnector.PermanentError:
			breaker.RecordFailure()
			continue
		}
	}

	return nil, fmt.Errorf("router: all candidates exhausted for model %q", req.Model)
}

// forwardStream relays the winning candidate's events, injecting at most one
// synthetic Delta switch-notification before any provider content.
func (r *Router) forwardStream(in <-chan model.StreamEvent, out chan<- model.StreamEvent, guard *switchGuard, original, chosen, modelName string) {
	defer close(out)
	if r.Switch.Enabled && guard.shouldFire(original, chosen) {
		out <- model.StreamDelta{
			ChoiceIndex: 0,
			Content:     r.switchNotification(original, chosen, "fallback", modelName),
			HasContent:  true,
		}
	}
	for ev := range in {
		out <- ev
	}
}
