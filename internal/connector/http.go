package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/model"
)

// AuthFunc stamps a provider's credentials onto an outbound request.
type AuthFunc func(req *http.Request)

// HTTPConnector is the concrete L2 connector used by both the OpenAI and
// Anthropic providers: it differs only in codec, endpoint, and auth
// function, grounded in the request-building/response-parsing methods of
// teacher's internal/providers/{openai,anthropic}/provider.go but with the
// HTTP transport + retry/classification logic factored out so it isn't
// duplicated per dialect (the teacher duplicates this logic across its two
// provider packages).
type HTTPConnector struct {
	ProviderName string
	Endpoint     string
	Codec        dialect.Codec
	Auth         AuthFunc
	Retry        RetryConfig
	Client       *http.Client
	Logger       *logrus.Logger
}

func NewHTTPConnector(name, endpoint string, codec dialect.Codec, auth AuthFunc, logger *logrus.Logger) *HTTPConnector {
	return &HTTPConnector{
		ProviderName: name,
		Endpoint:     endpoint,
		Codec:        codec,
		Auth:         auth,
		Retry:        DefaultRetryConfig(),
		Client:       &http.Client{Timeout: 120 * time.Second},
		Logger:       logger,
	}
}

func (c *HTTPConnector) Name() string { return c.ProviderName }

func classify(statusCode int, retryAfter *int) Classification {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return AuthError
	case statusCode >= 500:
		return TransientError
	case statusCode >= 400:
		return PermanentError
	default:
		return Success
	}
}

func parseRetryAfter(h http.Header) *int {
	v := h.Get("Retry-After")
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &secs
}

func backoffDelay(attempt, baseMs, maxMs int) time.Duration {
	d := float64(baseMs) * math.Pow(2, float64(attempt))
	if d > float64(maxMs) {
		d = float64(maxMs)
	}
	return time.Duration(d) * time.Millisecond
}

func (c *HTTPConnector) doWithRetry(ctx context.Context, body []byte) (*http.Response, []byte, Outcome) {
	var lastOutcome Outcome
	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, nil, Outcome{Classification: PermanentError, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		c.Auth(req)

		resp, err := c.Client.Do(req)
		if err != nil {
			lastOutcome = Outcome{Classification: TransientError, Err: err}
			if attempt < c.Retry.MaxRetries {
				select {
				case <-time.After(backoffDelay(attempt, c.Retry.BaseDelayMs, c.Retry.MaxDelayMs)):
				case <-ctx.Done():
					return nil, nil, Outcome{Classification: TransientError, Err: ctx.Err()}
				}
				continue
			}
			return nil, nil, lastOutcome
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		retryAfter := parseRetryAfter(resp.Header)
		class := classify(resp.StatusCode, retryAfter)

		switch class {
		case Success:
			return resp, respBody, Outcome{Classification: Success}
		case RateLimited:
			return resp, respBody, Outcome{Classification: RateLimited, RetryAfterSecs: retryAfter}
		case AuthError:
			return resp, respBody, Outcome{Classification: AuthError, Err: fmt.Errorf("%s: auth error (status %d)", c.ProviderName, resp.StatusCode)}
		case TransientError:
			lastOutcome = Outcome{Classification: TransientError, Err: fmt.Errorf("%s: upstream status %d", c.ProviderName, resp.StatusCode)}
			if attempt < c.Retry.MaxRetries {
				select {
				case <-time.After(backoffDelay(attempt, c.Retry.BaseDelayMs, c.Retry.MaxDelayMs)):
				case <-ctx.Done():
					return nil, nil, Outcome{Classification: TransientError, Err: ctx.Err()}
				}
				continue
			}
			return resp, respBody, lastOutcome
		default: // PermanentError
			return resp, respBody, Outcome{Classification: PermanentError, Err: fmt.Errorf("%s: upstream status %d", c.ProviderName, resp.StatusCode)}
		}
	}
	return nil, nil, lastOutcome
}

// Complete implements Connector.
func (c *HTTPConnector) Complete(ctx context.Context, req *model.NormalizedRequest) (*model.NormalizedResponse, Outcome) {
	reqCopy := *req
	reqCopy.Stream = false
	body, err := c.Codec.EncodeRequest(&reqCopy)
	if err != nil {
		return nil, Outcome{Classification: PermanentError, Err: err}
	}

	_, respBody, outcome := c.doWithRetry(ctx, body)
	if outcome.Classification != Success {
		return nil, outcome
	}

	normalized, err := c.Codec.DecodeResponse(respBody)
	if err != nil {
		return nil, Outcome{Classification: PermanentError, Err: err}
	}
	return normalized, outcome
}

// Stream implements Connector. Per spec §4.M1 the only failures surfaced
// after a successful handshake are terminal StreamError events on the
// channel; there is no mid-stream failover.
func (c *HTTPConnector) Stream(ctx context.Context, req *model.NormalizedRequest) (<-chan model.StreamEvent, Outcome) {
	reqCopy := *req
	reqCopy.Stream = true
	body, err := c.Codec.EncodeRequest(&reqCopy)
	if err != nil {
		return nil, Outcome{Classification: PermanentError, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Outcome{Classification: PermanentError, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.Auth(httpReq)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, Outcome{Classification: TransientError, Err: err}
	}

	retryAfter := parseRetryAfter(resp.Header)
	class := classify(resp.StatusCode, retryAfter)
	if class != Success {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var e error
		if class == RateLimited {
			e = fmt.Errorf("%s: rate limited", c.ProviderName)
		} else {
			e = fmt.Errorf("%s: stream open failed (status %d): %s", c.ProviderName, resp.StatusCode, string(errBody))
		}
		return nil, Outcome{Classification: class, RetryAfterSecs: retryAfter, Err: e}
	}

	events := c.Codec.DecodeStream(resp.Body)
	out := make(chan model.StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for ev := range events {
			out <- ev
		}
	}()
	return out, Outcome{Classification: Success}
}
