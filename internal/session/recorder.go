package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/connector"
	"github.com/erans/lunaroute/internal/core"
	"github.com/erans/lunaroute/internal/model"
)

// Recorder turns ingress-observed lifecycle points into SessionEvents and
// writes them to a Store (spec §4.S1/S2). The ingress pipeline owns
// session_id/request_id/tenant for the whole request and calls these methods
// directly at each point spec §4.I1/I2 names (decode, dispatch, stream
// start, completion) — this is a separate concern from per-provider-attempt
// recording inside a routing cascade, which AttemptLogger below handles.
type Recorder struct {
	Store  Store
	Tenant *core.TenantId
}

func NewRecorder(store Store, tenant *core.TenantId) *Recorder {
	return &Recorder{Store: store, Tenant: tenant}
}

func (r *Recorder) meta(sessionID, requestID string) Meta {
	return Meta{SessionID: sessionID, RequestID: requestID, Timestamp: time.Now()}
}

func (r *Recorder) RecordStarted(ctx context.Context, sessionID, requestID, modelRequested, provider, listener string, isStreaming bool, metadata Metadata) error {
	return r.Store.WriteEvent(ctx, r.Tenant, Started{
		Meta:           r.meta(sessionID, requestID),
		ModelRequested: modelRequested,
		Provider:       provider,
		Listener:       listener,
		IsStreaming:    isStreaming,
		Metadata:       metadata,
	})
}

func (r *Recorder) RecordRequest(ctx context.Context, sessionID, requestID, requestText string, requestJSON []byte) error {
	return r.Store.WriteEvent(ctx, r.Tenant, RequestRecorded{
		Meta:        r.meta(sessionID, requestID),
		RequestText: requestText,
		RequestJSON: requestJSON,
	})
}

func (r *Recorder) RecordStreamStarted(ctx context.Context, sessionID, requestID string, timeToFirstTokenMs int64) error {
	return r.Store.WriteEvent(ctx, r.Tenant, StreamStarted{
		Meta:                r.meta(sessionID, requestID),
		TimeToFirstTokenMs: timeToFirstTokenMs,
	})
}

func (r *Recorder) RecordStats(ctx context.Context, sessionID, requestID string, tokens *TokenCounts, toolSummary *ToolSummary, modelUsed string, responseSizeBytes int64, contentBlocks int, hasRefusal bool) error {
	return r.Store.WriteEvent(ctx, r.Tenant, StatsUpdated{
		Meta:              r.meta(sessionID, requestID),
		Tokens:            tokens,
		ToolSummary:       toolSummary,
		ModelUsed:         modelUsed,
		ResponseSizeBytes: responseSizeBytes,
		ContentBlocks:     contentBlocks,
		HasRefusal:        hasRefusal,
	})
}

func (r *Recorder) RecordToolCall(ctx context.Context, sessionID, requestID, toolName, toolCallID string, executionTimeMs *int64, inputSizeBytes int64, toolArguments string) error {
	return r.Store.WriteEvent(ctx, r.Tenant, ToolCallRecorded{
		Meta:            r.meta(sessionID, requestID),
		ToolName:        toolName,
		ToolCallID:      toolCallID,
		ExecutionTimeMs: executionTimeMs,
		InputSizeBytes:  inputSizeBytes,
		ToolArguments:   toolArguments,
	})
}

func (r *Recorder) RecordResponse(ctx context.Context, sessionID, requestID, responseText string, responseJSON []byte, stats ResponseStats) error {
	return r.Store.WriteEvent(ctx, r.Tenant, ResponseRecorded{
		Meta:         r.meta(sessionID, requestID),
		ResponseText: responseText,
		ResponseJSON: responseJSON,
		Stats:        stats,
	})
}

func (r *Recorder) RecordCompleted(ctx context.Context, sessionID, requestID string, success bool, errMsg string, finishReason model.FinishReason, finalStats FinalSessionStats) error {
	return r.Store.WriteEvent(ctx, r.Tenant, Completed{
		Meta:         r.meta(sessionID, requestID),
		Success:      success,
		Error:        errMsg,
		FinishReason: finishReason,
		FinalStats:   finalStats,
	})
}

// AttemptLogger implements connector.RecordingSink by logging each
// provider-attempt (one per routing-cascade candidate) via structured
// logrus fields rather than writing SessionEvents — attempts inside a
// cascade are a routing-internal concern (spec §4.M1), distinct from the
// session's own top-level Started..Completed lifecycle, which Recorder
// above owns. Keeping them separate avoids a failed candidate in a
// three-provider cascade ever looking like a second "Completed" session.
type AttemptLogger struct {
	Logger *logrus.Logger
}

func (a *AttemptLogger) RecordAttempt(ev connector.RecordingEvent) {
	fields := logrus.Fields{
		"provider":       ev.Provider,
		"classification": ev.Outcome.Classification,
		"duration_ms":    ev.Finished.Sub(ev.Started).Milliseconds(),
	}
	if ev.Request != nil {
		fields["model"] = ev.Request.Model
	}
	if ev.Outcome.Err != nil {
		a.Logger.WithFields(fields).WithError(ev.Outcome.Err).Warn("provider attempt failed")
		return
	}
	a.Logger.WithFields(fields).Debug("provider attempt recorded")
}
