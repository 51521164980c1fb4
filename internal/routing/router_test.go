package routing

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lrconnector "github.com/erans/lunaroute/internal/connector"
	"github.com/erans/lunaroute/internal/model"
)

type stubConnector struct {
	name      string
	responses []lrconnector.Outcome
	call      int
	resp      *model.NormalizedResponse
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Complete(ctx context.Context, req *model.NormalizedRequest) (*model.NormalizedResponse, lrconnector.Outcome) {
	idx := s.call
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.call++
	outcome := s.responses[idx]
	if outcome.Classification == lrconnector.Success {
		return s.resp, outcome
	}
	return nil, outcome
}

func (s *stubConnector) Stream(ctx context.Context, req *model.NormalizedRequest) (<-chan model.StreamEvent, lrconnector.Outcome) {
	idx := s.call
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.call++
	outcome := s.responses[idx]
	if outcome.Classification != lrconnector.Success {
		return nil, outcome
	}
	ch := make(chan model.StreamEvent, 1)
	ch <- &model.StreamEnd{FinishReason: model.FinishStop}
	close(ch)
	return ch, outcome
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newTestRouter(rules []Rule) *Router {
	table := NewRoutingTable(rules)
	breakers := NewBreakerRegistry(DefaultBreakerConfig())
	health := NewHealthMonitor(DefaultHealthMonitorConfig())
	strategies := NewStrategyState(time.Second)
	return NewRouter(table, breakers, health, strategies, testLogger())
}

func intPtr(i int) *int { return &i }

func TestRouter_PrimaryRateLimitedThenAlternativeSucceeds(t *testing.T) {
	// Spec §8 scenario 1: primary 429 with Retry-After: 60, alternative succeeds.
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "always", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "primary", Fallbacks: []string{"alternative"}}},
	})

	router.RegisterConnector("primary", &stubConnector{
		name:      "primary",
		responses: []lrconnector.Outcome{{Classification: lrconnector.RateLimited, RetryAfterSecs: intPtr(60)}},
	})
	router.RegisterConnector("alternative", &stubConnector{
		name:      "alternative",
		responses: []lrconnector.Outcome{{Classification: lrconnector.Success}},
		resp: &model.NormalizedResponse{
			Choices: []model.Choice{{Message: model.Message{Text: "Hello from alternative"}}},
		},
	})

	resp, err := router.Complete(context.Background(), RoutingContext{Model: "gpt-4"}, &model.NormalizedRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Contains(t, resp.Choices[0].Message.Text, "Hello from alternative")
	assert.True(t, router.Strategies.RateLimits.IsBlocked("primary"))
}

func TestRouter_CascadeThroughThreeProviders(t *testing.T) {
	// Spec §8 scenario 3: primary 429, alt1 429, alt2 succeeds; exactly one
	// switch notification, two rate-limit records.
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "always", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "primary", Fallbacks: []string{"alt1", "alt2"}}},
	})
	router.Switch = SwitchNotificationConfig{Enabled: true, Template: "switched from ${original_provider} to ${new_provider}"}

	router.RegisterConnector("primary", &stubConnector{name: "primary", responses: []lrconnector.Outcome{{Classification: lrconnector.RateLimited}}})
	router.RegisterConnector("alt1", &stubConnector{name: "alt1", responses: []lrconnector.Outcome{{Classification: lrconnector.RateLimited}}})
	router.RegisterConnector("alt2", &stubConnector{
		name:      "alt2",
		responses: []lrconnector.Outcome{{Classification: lrconnector.Success}},
		resp:      &model.NormalizedResponse{Choices: []model.Choice{{Message: model.Message{Text: "Hello from alt2!"}}}},
	})

	resp, err := router.Complete(context.Background(), RoutingContext{Model: "gpt-4"}, &model.NormalizedRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Contains(t, resp.Choices[0].Message.Text, "switched from primary to alt2")
	assert.Contains(t, resp.Choices[0].Message.Text, "Hello from alt2!")
	assert.True(t, router.Strategies.RateLimits.IsBlocked("primary"))
	assert.True(t, router.Strategies.RateLimits.IsBlocked("alt1"))
}

func TestRouter_NoRouteForUnmatchedModel(t *testing.T) {
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "gpt-only", Matcher: Matcher{Kind: MatchModelPattern, Pattern: "^gpt-"}, Decision: Decision{Primary: "openai"}},
	})
	_, err := router.Complete(context.Background(), RoutingContext{Model: "claude-3"}, &model.NormalizedRequest{Model: "claude-3"})
	var noRoute *NoRouteError
	assert.ErrorAs(t, err, &noRoute)
}

func TestRouter_ProviderOverrideBypassesTable(t *testing.T) {
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "always", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "default"}},
	})
	router.RegisterConnector("forced", &stubConnector{
		name:      "forced",
		responses: []lrconnector.Outcome{{Classification: lrconnector.Success}},
		resp:      &model.NormalizedResponse{Choices: []model.Choice{{Message: model.Message{Text: "forced response"}}}},
	})

	resp, err := router.Complete(context.Background(), RoutingContext{Model: "gpt-4", ProviderOverride: "forced"}, &model.NormalizedRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "forced response", resp.Choices[0].Message.Text)
}

func TestRouter_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "always", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "flaky", Fallbacks: []string{"stable"}}},
	})
	breaker := router.Breakers.Get("flaky")
	breaker.ForceOpen()

	router.RegisterConnector("flaky", &stubConnector{name: "flaky", responses: []lrconnector.Outcome{{Classification: lrconnector.Success}}})
	router.RegisterConnector("stable", &stubConnector{
		name:      "stable",
		responses: []lrconnector.Outcome{{Classification: lrconnector.Success}},
		resp:      &model.NormalizedResponse{Choices: []model.Choice{{Message: model.Message{Text: "from stable"}}}},
	})

	resp, err := router.Complete(context.Background(), RoutingContext{Model: "gpt-4"}, &model.NormalizedRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "from stable", resp.Choices[0].Message.Text)
}

func TestRouter_StreamOpensFirstSuccessfulCandidate(t *testing.T) {
	router := newTestRouter([]Rule{
		{Priority: 10, Name: "always", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "primary", Fallbacks: []string{"fallback"}}},
	})
	router.RegisterConnector("primary", &stubConnector{name: "primary", responses: []lrconnector.Outcome{{Classification: lrconnector.TransientError}}})
	router.RegisterConnector("fallback", &stubConnector{name: "fallback", responses: []lrconnector.Outcome{{Classification: lrconnector.Success}}})

	events, err := router.Stream(context.Background(), RoutingContext{Model: "gpt-4"}, &model.NormalizedRequest{Model: "gpt-4", Stream: true})
	require.NoError(t, err)

	var got []model.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	end, ok := got[0].(*model.StreamEnd)
	require.True(t, ok)
	assert.Equal(t, model.FinishStop, end.FinishReason)
}

func TestRoutingTable_PriorityOrderAndTieBreak(t *testing.T) {
	table := NewRoutingTable([]Rule{
		{Priority: 1, Name: "low", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "low-provider"}},
		{Priority: 10, Name: "high-a", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "high-a-provider"}},
		{Priority: 10, Name: "high-b", Matcher: Matcher{Kind: MatchAlways}, Decision: Decision{Primary: "high-b-provider"}},
	})

	decision, err := table.Decide(RoutingContext{Model: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "high-a-provider", decision.Primary, "equal-priority ties break by insertion order")
}

func TestRoutingTable_InvalidRegexFailsClosed(t *testing.T) {
	table := NewRoutingTable([]Rule{
		{Priority: 10, Name: "bad-regex", Matcher: Matcher{Kind: MatchModelPattern, Pattern: "(unclosed"}, Decision: Decision{Primary: "never"}},
	})
	_, err := table.Decide(RoutingContext{Model: "gpt-4"})
	var noRoute *ErrNoRoute
	assert.ErrorAs(t, err, &noRoute)
}
