package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/erans/lunaroute/internal/core"
)

// Errors returned by Store operations (spec §4.S2's "Ok | TenantRequired |
// Database{msg} | SessionNotFound").
var (
	ErrTenantRequired = core.ErrTenantRequired
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSingleTenantOnly is returned by back-ends that only support
	// single-tenant mode (the file back-end per spec §4.S2) when called
	// with a non-nil tenant.
	ErrSingleTenantOnly = errors.New("session: this back-end does not support multi-tenant mode")
)

// DatabaseError wraps a back-end-specific failure, mirroring §4.S2's
// Database{msg} variant.
type DatabaseError struct {
	Msg string
	Err error
}

func (e *DatabaseError) Error() string { return "session: database error: " + e.Msg }
func (e *DatabaseError) Unwrap() error { return e.Err }

// Row is the denormalized projection the store maintains for each session
// (spec §4.S2 "Projection"): first-seen Started fields, latest Completed
// fields, and cumulative counters updated by StatsUpdated.
type Row struct {
	TenantID       string
	SessionID      string
	ModelRequested string
	Provider       string
	Listener       string
	Metadata       Metadata
	StartedAt      time.Time

	Success         bool
	FinishReason    string
	FinalStats      FinalSessionStats
	CompletedAt     *time.Time

	CumulativeTokens    TokenCounts
	CumulativeToolCalls int
}

// SearchQuery is the back-end-agnostic filter for Store.Search.
type SearchQuery struct {
	Provider  string
	Model     string
	Since     *time.Time
	Until     *time.Time
	SuccessOnly *bool
	Cursor    string
	Limit     int
}

// SearchResult is §4.S2's { items, total, next_cursor? }.
type SearchResult struct {
	Items      []Row
	Total      int
	NextCursor string
}

// ConfigChange is the notification payload delivered on a watched channel
// (spec §4.S2 "Change notification"): { tenant_id, version, timestamp }.
type ConfigChange struct {
	TenantID  string
	Version   int64
	Timestamp time.Time
}

// Store is the back-end-agnostic session store contract (spec §4.S2).
type Store interface {
	WriteEvent(ctx context.Context, tenant *core.TenantId, ev Event) error
	GetSession(ctx context.Context, tenant *core.TenantId, sessionID string) (Row, error)
	Search(ctx context.Context, tenant *core.TenantId, query SearchQuery) (SearchResult, error)
	ListSessions(ctx context.Context, tenant *core.TenantId, limit, offset int) ([]Row, error)
	Flush(ctx context.Context) error

	// WatchChanges is optional; back-ends that don't support subscriptions
	// return a nil channel and ErrWatchUnsupported.
	WatchChanges(ctx context.Context, tenant *core.TenantId) (<-chan ConfigChange, error)
}

var ErrWatchUnsupported = errors.New("session: change-notification watching not supported by this back-end")

// TenantMode reports whether a Store instance was configured single- or
// multi-tenant, used by implementations to enforce spec §4.S2's tenant
// discipline via core.RequireTenant.
type TenantMode = core.Mode

const (
	SingleTenant = core.SingleTenant
	MultiTenant  = core.MultiTenant
)

// encodeEvent/decodeEvent give file/SQL back-ends a uniform wire
// representation for the tagged Event union: a {"kind": "...", ...} object.
type wireEvent struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeEvent(ev Event) ([]byte, error) {
	var kind string
	switch ev.Kind() {
	case EventStarted:
		kind = "started"
	case EventRequestRecorded:
		kind = "request_recorded"
	case EventStreamStarted:
		kind = "stream_started"
	case EventStatsUpdated:
		kind = "stats_updated"
	case EventToolCallRecorded:
		kind = "tool_call_recorded"
	case EventResponseRecorded:
		kind = "response_recorded"
	case EventCompleted:
		kind = "completed"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Kind: kind, Data: data})
}

func decodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Kind {
	case "started":
		var e Started
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "request_recorded":
		var e RequestRecorded
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "stream_started":
		var e StreamStarted
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "stats_updated":
		var e StatsUpdated
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "tool_call_recorded":
		var e ToolCallRecorded
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "response_recorded":
		var e ResponseRecorded
		err := json.Unmarshal(w.Data, &e)
		return e, err
	case "completed":
		var e Completed
		err := json.Unmarshal(w.Data, &e)
		return e, err
	default:
		return nil, errors.New("session: unknown event kind " + w.Kind)
	}
}

// projectEvent folds one event into a Row's denormalized projection
// in-place, per spec §4.S2 "Projection" (first-seen Started fields, latest
// Completed fields, cumulative counters from StatsUpdated).
func projectEvent(row *Row, ev Event) {
	switch e := ev.(type) {
	case Started:
		if row.StartedAt.IsZero() {
			row.SessionID = e.SessionID
			row.ModelRequested = e.ModelRequested
			row.Provider = e.Provider
			row.Listener = e.Listener
			row.Metadata = e.Metadata
			row.StartedAt = e.Timestamp
		}
	case StatsUpdated:
		if e.Tokens != nil {
			row.CumulativeTokens.Input += e.Tokens.Input
			row.CumulativeTokens.Output += e.Tokens.Output
			row.CumulativeTokens.Thinking += e.Tokens.Thinking
			row.CumulativeTokens.Cached += e.Tokens.Cached
			row.CumulativeTokens.GrandTotal += e.Tokens.GrandTotal
		}
		if e.ToolSummary != nil {
			row.CumulativeToolCalls += e.ToolSummary.UniqueToolCount
		}
	case Completed:
		row.Success = e.Success
		row.FinishReason = string(e.FinishReason)
		row.FinalStats = e.FinalStats
		t := e.Timestamp
		row.CompletedAt = &t
	}
}
