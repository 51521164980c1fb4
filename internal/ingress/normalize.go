package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/middleware"
	"github.com/erans/lunaroute/internal/model"
	"github.com/erans/lunaroute/internal/routing"
	"github.com/erans/lunaroute/internal/session"
)

// NormalizingHandler implements spec §4.I1: decode the client's dialect into
// the normalized model, allocate session/request IDs, hand off to the
// Router, re-encode the normalized response into the listener's own
// dialect, and record session lifecycle events throughout. Grounded in the
// teacher's handleChatCompletion, generalized from "OpenAI in, OpenAI out"
// to any configured dialect.
func (p *Pipeline) NormalizingHandler(l Listener) http.HandlerFunc {
	codec, ok := p.Codecs[l.Dialect]
	if !ok {
		panic(fmt.Sprintf("ingress: no codec registered for dialect %q", l.Dialect))
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := now()
		log := p.Logger.WithFields(logrus.Fields{"listener": l.Name, "dialect": l.Dialect})

		tenant, err := middleware.TenantFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			return
		}
		rec := p.recorder(tenant)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
			return
		}

		req, err := codec.DecodeRequest(body)
		if err != nil {
			status, typ := statusFor(err)
			writeError(w, status, typ, err.Error())
			return
		}

		sessionID, requestID := newIDs()
		ctx := r.Context()

		_ = rec.RecordStarted(ctx, sessionID, requestID, req.Model, "", l.Kind, req.Stream, session.Metadata{
			ClientIP:  r.RemoteAddr,
			UserAgent: r.Header.Get("User-Agent"),
		})
		_ = rec.RecordRequest(ctx, sessionID, requestID, "", body)

		routeCtx := routing.RoutingContext{
			Model:            req.Model,
			ListenerKind:     l.Kind,
			ProviderOverride: r.Header.Get("X-Provider-Override"),
		}

		if req.Stream {
			p.handleStream(ctx, w, codec, req, routeCtx, rec, sessionID, requestID, l, log, start)
			return
		}
		p.handleUnary(ctx, w, codec, req, routeCtx, rec, sessionID, requestID, l, start)
	}
}

func (p *Pipeline) handleUnary(ctx context.Context, w http.ResponseWriter, codec dialect.Codec, req *model.NormalizedRequest, routeCtx routing.RoutingContext, rec *session.Recorder, sessionID, requestID string, l Listener, start time.Time) {
	resp, err := p.Router.Complete(ctx, routeCtx, req)
	if err != nil {
		status, typ := statusFor(err)
		p.recordFailure(rec, sessionID, requestID, err)
		p.observe(l, "", status, start)
		writeError(w, status, typ, err.Error())
		return
	}

	out, err := codec.EncodeResponse(resp)
	if err != nil {
		p.recordFailure(rec, sessionID, requestID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode response")
		return
	}

	provider := ""
	var finishReason model.FinishReason
	if resp.RouterMetadata != nil {
		provider = resp.RouterMetadata.Provider
	}
	if len(resp.Choices) > 0 {
		finishReason = resp.Choices[0].FinishReason
	}

	_ = rec.RecordResponse(ctx, sessionID, requestID, "", out, session.ResponseStats{
		Usage:            resp.Usage,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
	_ = rec.RecordCompleted(ctx, sessionID, requestID, true, "", finishReason, session.FinalSessionStats{
		TotalTokens:     resp.Usage.TotalTokens,
		TotalDurationMs: time.Since(start).Milliseconds(),
	})

	p.observe(l, provider, http.StatusOK, start)
	if p.Metrics != nil {
		p.Metrics.TokensTotal.WithLabelValues(provider, "prompt").Add(float64(resp.Usage.PromptTokens))
		p.Metrics.TokensTotal.WithLabelValues(provider, "completion").Add(float64(resp.Usage.CompletionTokens))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// handleStream implements the streaming half of spec §4.I1: the router's
// channel of normalized StreamEvents is re-encoded through the listener's
// own dialect and flushed as SSE, grounded in the teacher's
// handleStreamingCompletionWithRetry but driven by dialect.Codec instead of
// a hand-rolled OpenAI-only encoder.
func (p *Pipeline) handleStream(ctx context.Context, w http.ResponseWriter, codec dialect.Codec, req *model.NormalizedRequest, routeCtx routing.RoutingContext, rec *session.Recorder, sessionID, requestID string, l Listener, log *logrus.Entry, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	events, err := p.Router.Stream(ctx, routeCtx, req)
	if err != nil {
		status, typ := statusFor(err)
		p.recordFailure(rec, sessionID, requestID, err)
		p.observe(l, "", status, start)
		writeError(w, status, typ, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	firstByte := true
	var finishReason model.FinishReason
	var usage model.Usage
	chunkCount := 0

	for ev := range events {
		if firstByte {
			_ = rec.RecordStreamStarted(ctx, sessionID, requestID, time.Since(start).Milliseconds())
			firstByte = false
			if p.Metrics != nil {
				p.Metrics.StreamTTFTSeconds.WithLabelValues(l.Name, "").Observe(time.Since(start).Seconds())
			}
		}
		switch e := ev.(type) {
		case model.StreamEnd:
			finishReason = e.FinishReason
		case model.StreamUsage:
			usage = e.Usage
		case model.StreamError:
			log.WithField("error", e.Message).Warn("stream terminated with error event")
		}

		frame := codec.EncodeStreamEvent(ev)
		_, _ = w.Write(frame)
		flusher.Flush()
		chunkCount++
	}

	if p.Metrics != nil {
		p.Metrics.StreamChunksTotal.WithLabelValues(l.Name, "").Add(float64(chunkCount))
		p.Metrics.StreamDurationSeconds.WithLabelValues(l.Name, "").Observe(time.Since(start).Seconds())
	}

	_ = rec.RecordCompleted(ctx, sessionID, requestID, true, "", finishReason, session.FinalSessionStats{
		TotalTokens:     usage.TotalTokens,
		TotalDurationMs: time.Since(start).Milliseconds(),
	})
	p.observe(l, "", http.StatusOK, start)
}

func (p *Pipeline) recordFailure(rec *session.Recorder, sessionID, requestID string, err error) {
	_ = rec.RecordCompleted(context.Background(), sessionID, requestID, false, err.Error(), model.FinishNone, session.FinalSessionStats{})
}

func (p *Pipeline) observe(l Listener, provider string, status int, start time.Time) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RequestsTotal.WithLabelValues(l.Name, "", provider, fmt.Sprintf("%d", status)).Inc()
	p.Metrics.RequestDuration.WithLabelValues(l.Name, "", provider).Observe(time.Since(start).Seconds())
}
