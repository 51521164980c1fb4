package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erans/lunaroute/internal/dialect"
)

func sseFrame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func TestParseAnthropicStream_TokensAndModel(t *testing.T) {
	body := sseFrame("message_start", `{"type":"message_start","message":{"model":"claude-3-opus","usage":{"input_tokens":100}}}`) +
		sseFrame("message_delta", `{"type":"message_delta","usage":{"output_tokens":50}}`)

	parsed := ParseAnthropicStream(strings.NewReader(body))
	assert.Equal(t, 100, parsed.Tokens.Input)
	assert.Equal(t, 50, parsed.Tokens.Output)
	assert.Equal(t, 150, parsed.Tokens.GrandTotal)
	assert.Equal(t, "claude-3-opus", parsed.ModelUsed)
}

func TestParseAnthropicStream_ToolCallsDeduplicatedAndArgsReconstructed(t *testing.T) {
	body := sseFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`) +
		sseFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`) +
		sseFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"nyc\"}"}}`) +
		sseFrame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"search"}}`)

	parsed := ParseAnthropicStream(strings.NewReader(body))
	assert.Equal(t, 2, parsed.ToolSummary.UniqueToolCount)
	require.Len(t, parsed.ToolCalls, 2)

	byID := map[string]ToolCallInfo{}
	for _, tc := range parsed.ToolCalls {
		byID[tc.ToolCallID] = tc
	}
	assert.Equal(t, `{"city":"nyc"}`, byID["toolu_1"].ToolArguments)
	assert.Equal(t, "get_weather", byID["toolu_1"].ToolName)
}

func TestParseAnthropicStream_ToolIDFallsBackToNameIndex(t *testing.T) {
	body := sseFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","name":"get_weather"}}`)
	parsed := ParseAnthropicStream(strings.NewReader(body))
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "get_weather_0", parsed.ToolCalls[0].ToolCallID)
}

func TestParseOpenAIStream_TokensAndReasoningAndCached(t *testing.T) {
	body := sseFrame("data", `{"model":"gpt-4","usage":{"prompt_tokens":100,"completion_tokens":50,"completion_tokens_details":{"reasoning_tokens":12},"prompt_tokens_details":{"cached_tokens":8}}}`)
	parsed := ParseOpenAIStream(strings.NewReader(body))
	assert.Equal(t, 100, parsed.Tokens.Input)
	assert.Equal(t, 50, parsed.Tokens.Output)
	assert.Equal(t, 12, parsed.Tokens.Thinking)
	assert.Equal(t, 8, parsed.Tokens.Cached)
	assert.Equal(t, "gpt-4", parsed.ModelUsed)
}

func TestParseOpenAIStream_ToolCallsDeduplicatedByIDThenIndex(t *testing.T) {
	body := sseFrame("data", `{"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"get_weather"}}]}}]}`) +
		sseFrame("data", `{"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"get_weather"}}]}}]}`) +
		sseFrame("data", `{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"name":"search"}}]}}]}`)

	parsed := ParseOpenAIStream(strings.NewReader(body))
	assert.Equal(t, 2, parsed.ToolSummary.UniqueToolCount)
	assert.Equal(t, 1, parsed.ToolSummary.ByToolID["get_weather"])
	assert.Equal(t, 1, parsed.ToolSummary.ByToolID["search"])
}

func TestParseOpenAIStream_RefusalDetected(t *testing.T) {
	body := sseFrame("data", `{"choices":[{"delta":{"refusal":"cannot help with that"}}]}`)
	parsed := ParseOpenAIStream(strings.NewReader(body))
	assert.True(t, parsed.HasRefusal)
}

func TestParseAnthropicStream_MemoryBoundHit(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < MaxCollectedEvents+5; i++ {
		sb.WriteString(sseFrame("message_delta", `{"type":"message_delta","usage":{"output_tokens":1}}`))
	}
	parsed := ParseAnthropicStream(strings.NewReader(sb.String()))
	assert.True(t, parsed.MemoryBoundHit)
}

func TestSpawnParser_RecordsStatsAndToolCalls(t *testing.T) {
	store := testStore(t)
	rec := NewRecorder(store, nil)
	body := sseFrame("message_start", `{"type":"message_start","message":{"model":"claude-3-opus","usage":{"input_tokens":10}}}`) +
		sseFrame("message_delta", `{"type":"message_delta","usage":{"output_tokens":5}}`) +
		sseFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`)

	done := make(chan struct{})
	SpawnParser(dialect.Anthropic, strings.NewReader(body), rec, nil, "sess-spawn", "req-1", nil)
	go func() { time.Sleep(200 * time.Millisecond); close(done) }()
	<-done

	row, err := store.GetSession(context.Background(), nil, "sess-spawn")
	require.NoError(t, err)
	assert.Equal(t, 15, row.CumulativeTokens.GrandTotal)
	assert.Equal(t, 1, row.CumulativeToolCalls)
}
