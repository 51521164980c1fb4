// Package session implements spec §4.S1-S3: the session event model, the
// pluggable session store, and the background stream parser.
package session

import (
	"time"

	"github.com/erans/lunaroute/internal/model"
)

// EventKind tags which SessionEvent variant a value carries, the idiomatic
// Go analogue of the Rust tagged enum described in spec §3.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRequestRecorded
	EventStreamStarted
	EventStatsUpdated
	EventToolCallRecorded
	EventResponseRecorded
	EventCompleted
)

// Event is the closed interface every SessionEvent variant implements.
type Event interface {
	Kind() EventKind
	Meta() Meta
	event()
}

// Meta is the envelope every event carries (spec §3: "Every event carries
// (tenant_id implicit via the store handle, session_id, request_id?,
// timestamp)").
type Meta struct {
	SessionID string
	RequestID string
	Timestamp time.Time
}

func (m Meta) Meta() Meta { return m }

// Metadata is the free-form client context attached at Started.
type Metadata struct {
	ClientIP  string
	UserAgent string
	Tags      []string
}

type Started struct {
	Meta
	ModelRequested string
	Provider       string
	Listener       string
	IsStreaming    bool
	Metadata       Metadata
}

func (Started) Kind() EventKind { return EventStarted }
func (Started) event()          {}

type RequestRecorded struct {
	Meta
	RequestText string
	RequestJSON []byte
}

func (RequestRecorded) Kind() EventKind { return EventRequestRecorded }
func (RequestRecorded) event()          {}

type StreamStarted struct {
	Meta
	TimeToFirstTokenMs int64
}

func (StreamStarted) Kind() EventKind { return EventStreamStarted }
func (StreamStarted) event()          {}

// TokenCounts mirrors spec §4.S3's ParsedStreamData token breakdown.
type TokenCounts struct {
	Input      int
	Output     int
	Thinking   int
	Cached     int
	GrandTotal int
}

// ToolSummary is the per-tool-call-id deduplicated count spec §4.S3 requires.
type ToolSummary struct {
	UniqueToolCount int
	ByToolID        map[string]int
}

type StatsUpdated struct {
	Meta
	Tokens           *TokenCounts
	ToolSummary      *ToolSummary
	ModelUsed        string
	ResponseSizeBytes int64
	ContentBlocks    int
	HasRefusal       bool
}

func (StatsUpdated) Kind() EventKind { return EventStatsUpdated }
func (StatsUpdated) event()          {}

type ToolCallRecorded struct {
	Meta
	ToolName         string
	ToolCallID       string
	ExecutionTimeMs  *int64
	InputSizeBytes   int64
	ToolArguments    string
}

func (ToolCallRecorded) Kind() EventKind { return EventToolCallRecorded }
func (ToolCallRecorded) event()          {}

// ResponseStats accompanies ResponseRecorded.
type ResponseStats struct {
	Usage            model.Usage
	ProcessingTimeMs int64
}

type ResponseRecorded struct {
	Meta
	ResponseText string
	ResponseJSON []byte
	Stats        ResponseStats
}

func (ResponseRecorded) Kind() EventKind { return EventResponseRecorded }
func (ResponseRecorded) event()          {}

// FinalSessionStats is the terminal rollup attached to Completed.
type FinalSessionStats struct {
	TotalTokens       int
	TotalToolCalls    int
	TotalDurationMs   int64
	ProviderLatencyMs int64
}

type Completed struct {
	Meta
	Success      bool
	Error        string
	FinishReason model.FinishReason
	FinalStats   FinalSessionStats
}

func (Completed) Kind() EventKind { return EventCompleted }
func (Completed) event()          {}
