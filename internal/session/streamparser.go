package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/erans/lunaroute/internal/dialect"
)

// MaxCollectedEvents bounds how many SSE events the passthrough parser will
// buffer per stream before dropping the remainder (spec §4.S3
// "Bounded: ... MAX_COLLECTED_EVENTS").
const MaxCollectedEvents = 10000

// ToolCallInfo is one reconstructed tool call, argument fragments
// concatenated in arrival order.
type ToolCallInfo struct {
	ToolName      string
	ToolCallID    string
	ToolArguments string
}

// ParsedStreamData is what the background stream parser produces from an
// already-observed SSE byte sequence (spec §4.S3).
type ParsedStreamData struct {
	Tokens            TokenCounts
	ToolSummary       ToolSummary
	ToolCalls         []ToolCallInfo
	ModelUsed         string
	ResponseSizeBytes int64
	ContentBlocks     int
	HasRefusal        bool
	MemoryBoundHit    bool
}

type rawSSEEvent struct {
	event string
	data  string
}

// scanRawSSE tees the byte stream into raw (event, data) pairs without any
// dialect-specific decoding, same line-grammar as dialect/anthropic's
// scanSSEEvents but kept separate since this package parses the raw JSON
// itself rather than handing off to a Codec.
func scanRawSSE(r io.Reader, limit int) <-chan rawSSEEvent {
	out := make(chan rawSSEEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var cur rawSSEEvent
		count := 0
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if cur.event != "" || cur.data != "" {
					if limit > 0 && count >= limit {
						cur = rawSSEEvent{}
						continue
					}
					out <- cur
					count++
				}
				cur = rawSSEEvent{}
			}
		}
	}()
	return out
}

// ParseAnthropicStream extracts ParsedStreamData from an Anthropic SSE byte
// sequence, grounded in original_source's async_stream_parser.rs
// parse_anthropic_stream: input tokens from message_start, output tokens
// from message_delta, tool calls deduplicated by content_block.id (falling
// back to a synthetic "name_index" id when absent per spec §4.S3), tool
// arguments reconstructed by concatenating input_json_delta fragments keyed
// by content block index.
func ParseAnthropicStream(r io.Reader) ParsedStreamData {
	var data ParsedStreamData
	toolCounts := map[string]int{}
	seenToolIDs := map[string]bool{}
	seenBlockIDs := map[string]bool{}
	toolIDByIndex := map[int64]string{}
	toolNameByID := map[string]string{}
	toolArgsByID := map[string]*strings.Builder{}
	var toolOrder []string

	eventCount := 0
	for ev := range scanRawSSE(r, MaxCollectedEvents+1) {
		eventCount++
		if eventCount > MaxCollectedEvents {
			data.MemoryBoundHit = true
			continue
		}
		data.ResponseSizeBytes += int64(len(ev.data))
		if !gjson.Valid(ev.data) {
			continue
		}
		root := gjson.Parse(ev.data)

		switch root.Get("type").String() {
		case "message_start":
			msg := root.Get("message")
			if input := msg.Get("usage.input_tokens"); input.Exists() {
				data.Tokens.Input = int(input.Int())
			}
			if model := msg.Get("model"); model.Exists() {
				data.ModelUsed = model.String()
			}

		case "message_delta":
			if output := root.Get("usage.output_tokens"); output.Exists() {
				data.Tokens.Output = int(output.Int())
			}

		case "content_block_start":
			index := root.Get("index").Int()
			block := root.Get("content_block")
			if blockID := block.Get("id"); blockID.Exists() && !seenBlockIDs[blockID.String()] {
				seenBlockIDs[blockID.String()] = true
				data.ContentBlocks++
			}
			if block.Get("type").String() == "tool_use" {
				name := block.Get("name").String()
				toolID := block.Get("id").String()
				if toolID == "" {
					toolID = fmt.Sprintf("%s_%d", name, len(seenToolIDs))
				}
				toolIDByIndex[index] = toolID
				if _, ok := toolNameByID[toolID]; !ok {
					toolNameByID[toolID] = name
					toolOrder = append(toolOrder, toolID)
				}
				if !seenToolIDs[toolID] {
					seenToolIDs[toolID] = true
					toolCounts[name]++
				}
			}

		case "content_block_delta":
			index := root.Get("index").Int()
			delta := root.Get("delta")
			if delta.Get("type").String() == "input_json_delta" {
				if toolID, ok := toolIDByIndex[index]; ok {
					if toolArgsByID[toolID] == nil {
						toolArgsByID[toolID] = &strings.Builder{}
					}
					toolArgsByID[toolID].WriteString(delta.Get("partial_json").String())
				}
			}
		}
	}

	buildToolSummary(&data, toolCounts)
	for _, toolID := range toolOrder {
		args := ""
		if b, ok := toolArgsByID[toolID]; ok {
			args = b.String()
		}
		data.ToolCalls = append(data.ToolCalls, ToolCallInfo{
			ToolName: toolNameByID[toolID], ToolCallID: toolID, ToolArguments: args,
		})
	}
	data.Tokens.GrandTotal = data.Tokens.Input + data.Tokens.Output
	return data
}

// ParseOpenAIStream extracts ParsedStreamData from an OpenAI SSE byte
// sequence, grounded in async_stream_parser.rs's parse_openai_stream: tool
// calls deduplicated by tool_call.id, falling back to an "index_N" id and
// finally a synthetic name-based id (spec §4.S3's same deduplication rule
// applied to OpenAI's delta-indexed tool_calls array), reasoning tokens from
// completion_tokens_details (o-series models), cached tokens from
// prompt_tokens_details.
func ParseOpenAIStream(r io.Reader) ParsedStreamData {
	var data ParsedStreamData
	toolCounts := map[string]int{}
	seenToolIDs := map[string]bool{}

	eventCount := 0
	for ev := range scanRawSSE(r, MaxCollectedEvents+1) {
		eventCount++
		if eventCount > MaxCollectedEvents {
			data.MemoryBoundHit = true
			continue
		}
		data.ResponseSizeBytes += int64(len(ev.data))
		if ev.data == "[DONE]" || !gjson.Valid(ev.data) {
			continue
		}
		root := gjson.Parse(ev.data)

		if model := root.Get("model"); model.Exists() {
			data.ModelUsed = model.String()
		}
		if usage := root.Get("usage"); usage.Exists() {
			if v := usage.Get("prompt_tokens"); v.Exists() {
				data.Tokens.Input = int(v.Int())
			}
			if v := usage.Get("completion_tokens"); v.Exists() {
				data.Tokens.Output = int(v.Int())
			}
			if v := usage.Get("completion_tokens_details.reasoning_tokens"); v.Exists() {
				data.Tokens.Thinking = int(v.Int())
			}
			if v := usage.Get("prompt_tokens_details.cached_tokens"); v.Exists() {
				data.Tokens.Cached = int(v.Int())
			}
		}

		for _, choice := range root.Get("choices").Array() {
			delta := choice.Get("delta")
			if delta.Get("content").Exists() && delta.Get("content").String() != "" {
				if data.ContentBlocks < 1 {
					data.ContentBlocks = 1
				}
			}
			for _, tc := range delta.Get("tool_calls").Array() {
				name := tc.Get("function.name").String()
				if name == "" {
					continue
				}
				toolID := tc.Get("id").String()
				if toolID == "" {
					if idx := tc.Get("index"); idx.Exists() {
						toolID = fmt.Sprintf("index_%d", idx.Int())
					} else {
						toolID = fmt.Sprintf("%s_%d", name, len(seenToolIDs))
					}
				}
				if !seenToolIDs[toolID] {
					seenToolIDs[toolID] = true
					toolCounts[name]++
				}
			}
			if refusal := delta.Get("refusal"); refusal.Exists() && refusal.String() != "" {
				data.HasRefusal = true
			}
		}
	}

	buildToolSummary(&data, toolCounts)
	data.Tokens.GrandTotal = data.Tokens.Input + data.Tokens.Output
	return data
}

func buildToolSummary(data *ParsedStreamData, toolCounts map[string]int) {
	if len(toolCounts) == 0 {
		return
	}
	data.ToolSummary.UniqueToolCount = len(toolCounts)
	data.ToolSummary.ByToolID = make(map[string]int, len(toolCounts))
	for name, count := range toolCounts {
		data.ToolSummary.ByToolID[name] = count
	}
}

// parserFor dispatches on dialect the way the Rust original picks between
// parse_anthropic_stream and parse_openai_stream per-listener.
func parserFor(d dialect.Name) func(io.Reader) ParsedStreamData {
	if d == dialect.Anthropic {
		return ParseAnthropicStream
	}
	return ParseOpenAIStream
}

// SpawnParser runs the background, detached parse spec §4.S3 describes: it
// never blocks the client response. A panic inside the parse is recovered
// and, when logger is non-nil, logged rather than propagated (grounded in
// async_stream_parser.rs's catch_unwind-wrapped tokio::spawn). Malformed SSE
// frames are skipped without logging, and errors from the Recorder writes
// are discarded. It uses context.Background() rather than the request
// context, since the parse keeps running after the client response (and
// its context) has already completed. onMemoryBoundHit is called (if
// non-nil) when MAX_COLLECTED_EVENTS was exceeded, for wiring to the
// memory_bound_hit metric.
func SpawnParser(d dialect.Name, r io.Reader, rec *Recorder, logger *logrus.Logger, sessionID, requestID string, onMemoryBoundHit func()) {
	go func() {
		defer func() {
			if p := recover(); p != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"session_id": sessionID, "request_id": requestID, "panic": p,
				}).Error("panic in background stream parser")
			}
		}()

		ctx := context.Background()
		parsed := parserFor(d)(r)
		if parsed.MemoryBoundHit && onMemoryBoundHit != nil {
			onMemoryBoundHit()
		}

		for _, tc := range parsed.ToolCalls {
			inputSize := int64(len(tc.ToolArguments))
			_ = rec.RecordToolCall(ctx, sessionID, requestID, tc.ToolName, tc.ToolCallID, nil, inputSize, tc.ToolArguments)
		}

		if parsed.Tokens.GrandTotal > 0 || parsed.ToolSummary.UniqueToolCount > 0 {
			var tokens *TokenCounts
			if parsed.Tokens.GrandTotal > 0 {
				tokens = &parsed.Tokens
			}
			var toolSummary *ToolSummary
			if parsed.ToolSummary.UniqueToolCount > 0 {
				toolSummary = &parsed.ToolSummary
			}
			_ = rec.RecordStats(ctx, sessionID, requestID, tokens, toolSummary,
				parsed.ModelUsed, parsed.ResponseSizeBytes, parsed.ContentBlocks, parsed.HasRefusal)
		}
	}()
}
