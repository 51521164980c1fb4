package model

import "github.com/woodsbury/decimal128"

// FinishReason is the normalized completion reason, per spec §3.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
	FinishNone           FinishReason = "" // null in the wire format
)

// Usage is the normalized token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one candidate completion.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// NormalizedResponse is the dialect-agnostic unary response shape.
type NormalizedResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Usage   Usage    `json:"usage"`
	Choices []Choice `json:"choices"`

	// RouterMetadata is attached by the router core, not by any codec.
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

// RouterMetadata records routing provenance on a response, grounded in the
// teacher's types/responses.go RouterMetadata, generalized to attach to
// both dialects rather than only the OpenAI-shaped response.
type RouterMetadata struct {
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	RoutingReason    []string          `json:"routing_reason"`
	EstimatedCost    decimal128.Decimal `json:"estimated_cost"`
	ActualCost       decimal128.Decimal `json:"actual_cost"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	RequestID        string            `json:"request_id"`
	ProviderLatencyMs int64            `json:"provider_latency_ms"`
}

// CostEstimate is a per-request cost breakdown, kept precision-safe with
// decimal128 rather than float64 to avoid cent-level drift across the
// per-provider cost tables in config.
type CostEstimate struct {
	InputTokens     int                `json:"input_tokens"`
	OutputTokens    int                `json:"output_tokens"`
	TotalTokens     int                `json:"total_tokens"`
	InputCost       decimal128.Decimal `json:"input_cost"`
	OutputCost      decimal128.Decimal `json:"output_cost"`
	TotalCost       decimal128.Decimal `json:"total_cost"`
}
