// Package anthropic implements the Anthropic-compatible dialect codec:
// message / message_start / content_block_start / content_block_delta /
// message_delta / message_stop, per spec §4.L1 and §6.
package anthropic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/model"
)

var sideChannelFields = []string{"metadata", "top_k"}

// Codec implements dialect.Codec for the Anthropic Messages contract.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c *Codec) Name() dialect.Name { return dialect.Anthropic }

type wireSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *wireSource `json:"source,omitempty"` // image

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// streaming partial_json accumulation
	PartialJSON string `json:"partial_json,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireToolChoice struct {
	Type string `json:"type"` // "auto" | "any" | "tool"
	Name string `json:"name,omitempty"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []wireMessage   `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireToolSpec  `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
}

func decodeBlocks(blocks []wireBlock) (text string, parts []model.ContentPart, toolCalls []model.ToolCall) {
	if len(blocks) == 1 && blocks[0].Type == "text" {
		return blocks[0].Text, nil, nil
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, model.ContentPart{Type: model.ContentText, Text: b.Text})
		case "image":
			if b.Source != nil {
				p := model.ContentPart{Type: model.ContentImage}
				if b.Source.Type == "url" {
					p.ImageURL = b.Source.URL
				} else {
					p.ImageBase64 = b.Source.Data
					p.MediaType = b.Source.MediaType
				}
				parts = append(parts, p)
			}
		case "tool_use":
			toolCalls = append(toolCalls, model.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}
	return "", parts, toolCalls
}

func encodeBlocks(m model.Message) []wireBlock {
	if len(m.ToolCalls) == 0 && m.Parts == nil {
		return []wireBlock{{Type: "text", Text: m.Text}}
	}
	var blocks []wireBlock
	if m.Text != "" {
		blocks = append(blocks, wireBlock{Type: "text", Text: m.Text})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case model.ContentText:
			blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
		case model.ContentImage:
			src := &wireSource{}
			if p.ImageURL != "" {
				src.Type, src.URL = "url", p.ImageURL
			} else {
				src.Type, src.Data, src.MediaType = "base64", p.ImageBase64, p.MediaType
			}
			blocks = append(blocks, wireBlock{Type: "image", Source: src})
		}
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, wireBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage(tc.Arguments)})
	}
	// tool-role messages render as a single tool_result block referencing the
	// call whose output this message carries.
	if m.Role == model.RoleTool {
		content, _ := json.Marshal(m.Text)
		return []wireBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: content}}
	}
	return blocks
}

// DecodeRequest implements dialect.Codec.
func (c *Codec) DecodeRequest(body []byte) (*model.NormalizedRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, &model.FieldError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}

	req := &model.NormalizedRequest{
		Model:        wr.Model,
		SystemPrompt: wr.System,
		MaxTokens:    &wr.MaxTokens,
		Temperature:  wr.Temperature,
		TopP:         wr.TopP,
		TopK:         wr.TopK,
		Stop:         wr.StopSequences,
		Stream:       wr.Stream,
	}

	for _, wm := range wr.Messages {
		text, parts, toolCalls := decodeBlocks(wm.Content)
		role := model.Role(wm.Role)
		// A user message whose sole content is a tool_result is the
		// normalized model's "tool" role.
		if role == model.RoleUser && len(wm.Content) == 1 && wm.Content[0].Type == "tool_result" {
			var result string
			_ = json.Unmarshal(wm.Content[0].Content, &result)
			req.Messages = append(req.Messages, model.Message{
				Role: model.RoleTool, Text: result, ToolCallID: wm.Content[0].ToolUseID,
			})
			continue
		}
		req.Messages = append(req.Messages, model.Message{Role: role, Text: text, Parts: parts, ToolCalls: toolCalls})
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, model.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	if wr.ToolChoice != nil {
		switch wr.ToolChoice.Type {
		case "auto":
			req.ToolChoice = &model.ToolChoice{Mode: "auto"}
		case "any":
			req.ToolChoice = &model.ToolChoice{Mode: "required"}
		case "tool":
			req.ToolChoice = &model.ToolChoice{Mode: "named", Name: wr.ToolChoice.Name}
		}
	}

	req.Metadata = extractSideChannel(body)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func extractSideChannel(body []byte) map[string]any {
	var meta map[string]any
	for _, field := range sideChannelFields {
		res := gjson.GetBytes(body, field)
		if res.Exists() {
			if meta == nil {
				meta = make(map[string]any)
			}
			meta[field] = res.Value()
		}
	}
	return meta
}

// EncodeRequest implements dialect.Codec.
func (c *Codec) EncodeRequest(r *model.NormalizedRequest) ([]byte, error) {
	wr := wireRequest{
		Model:         r.Model,
		System:        r.SystemPrompt,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		StopSequences: r.Stop,
		Stream:        r.Stream,
	}
	if r.MaxTokens != nil {
		wr.MaxTokens = *r.MaxTokens
	} else {
		wr.MaxTokens = 4096 // Anthropic requires max_tokens; use a safe default.
	}

	for _, m := range r.Messages {
		role := string(m.Role)
		if m.Role == model.RoleTool {
			role = "user"
		} else if m.Role == model.RoleSystem {
			// Anthropic carries system separately; fold any mid-conversation
			// system message into the top-level system prompt.
			if wr.System == "" {
				wr.System = m.Text
			} else {
				wr.System += "\n" + m.Text
			}
			continue
		}
		wr.Messages = append(wr.Messages, wireMessage{Role: role, Content: encodeBlocks(m)})
	}

	for _, t := range r.Tools {
		wr.Tools = append(wr.Tools, wireToolSpec{Name: t.Name, Description: t.Description, InputSchema: json.RawMessage(t.Parameters)})
	}

	if r.ToolChoice != nil {
		switch r.ToolChoice.Mode {
		case "auto":
			wr.ToolChoice = &wireToolChoice{Type: "auto"}
		case "required":
			wr.ToolChoice = &wireToolChoice{Type: "any"}
		case "named":
			wr.ToolChoice = &wireToolChoice{Type: "tool", Name: r.ToolChoice.Name}
		}
	}

	out, err := json.Marshal(wr)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Metadata {
		out, err = sjson.SetBytes(out, k, v)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

var finishReasonFromWire = map[string]model.FinishReason{
	"end_turn":      model.FinishStop,
	"stop_sequence": model.FinishStop,
	"max_tokens":    model.FinishLength,
	"tool_use":      model.FinishToolCalls,
	"":              model.FinishNone,
}

var finishReasonToWire = map[model.FinishReason]string{
	model.FinishStop:          "end_turn",
	model.FinishLength:        "max_tokens",
	model.FinishToolCalls:     "tool_use",
	model.FinishContentFilter: "end_turn",
	model.FinishNone:          "end_turn",
}

// DecodeResponse implements dialect.Codec.
func (c *Codec) DecodeResponse(body []byte) (*model.NormalizedResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	text, parts, toolCalls := decodeBlocks(wr.Content)
	fr, ok := finishReasonFromWire[wr.StopReason]
	if !ok {
		fr = model.FinishNone
	}
	return &model.NormalizedResponse{
		ID:    wr.ID,
		Model: wr.Model,
		Usage: model.Usage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
		Choices: []model.Choice{{
			Index:        0,
			Message:      model.Message{Role: model.RoleAssistant, Text: text, Parts: parts, ToolCalls: toolCalls},
			FinishReason: fr,
		}},
	}, nil
}

// EncodeResponse implements dialect.Codec.
func (c *Codec) EncodeResponse(r *model.NormalizedResponse) ([]byte, error) {
	wr := wireResponse{ID: r.ID, Type: "message", Role: "assistant", Model: r.Model,
		Usage: wireUsage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}}
	if len(r.Choices) > 0 {
		ch := r.Choices[0]
		wr.Content = encodeBlocks(ch.Message)
		wr.StopReason = finishReasonToWire[ch.FinishReason]
	}
	return json.Marshal(wr)
}

type sseEvent struct {
	event string
	data  string
}

func scanSSEEvents(r io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if cur.event != "" || cur.data != "" {
					out <- cur
				}
				cur = sseEvent{}
			}
		}
	}()
	return out
}

// DecodeStream implements dialect.Codec for Anthropic's named-event SSE
// stream. Tool-call argument fragments (input_json_delta) accumulate by
// content block index, per spec invariant.
func (c *Codec) DecodeStream(r io.Reader) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent, 16)
	go func() {
		defer close(out)
		blockTypes := make(map[int]string) // block index -> "text" | "tool_use"
		blockIDs := make(map[int]string)

		for ev := range scanSSEEvents(r) {
			switch ev.event {
			case "message_start":
				var payload struct {
					Message struct {
						ID    string `json:"id"`
						Model string `json:"model"`
					} `json:"message"`
				}
				_ = json.Unmarshal([]byte(ev.data), &payload)
				out <- model.StreamStart{ID: payload.Message.ID, Model: payload.Message.Model}

			case "content_block_start":
				var payload struct {
					Index        int       `json:"index"`
					ContentBlock wireBlock `json:"content_block"`
				}
				if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
					out <- model.StreamError{Message: "anthropic: malformed content_block_start: " + err.Error()}
					return
				}
				blockTypes[payload.Index] = payload.ContentBlock.Type
				if payload.ContentBlock.Type == "tool_use" {
					blockIDs[payload.Index] = payload.ContentBlock.ID
					out <- model.StreamToolCallDelta{
						ChoiceIndex: 0, ToolCallIndex: payload.Index,
						ID: payload.ContentBlock.ID, FunctionName: payload.ContentBlock.Name,
						HasID: true, HasFunctionName: true,
					}
				} else if payload.ContentBlock.Text != "" {
					out <- model.StreamDelta{ChoiceIndex: 0, Content: payload.ContentBlock.Text, HasContent: true}
				}

			case "content_block_delta":
				var payload struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
					out <- model.StreamError{Message: "anthropic: malformed content_block_delta: " + err.Error()}
					return
				}
				switch payload.Delta.Type {
				case "text_delta":
					out <- model.StreamDelta{ChoiceIndex: 0, Content: payload.Delta.Text, HasContent: true}
				case "input_json_delta":
					out <- model.StreamToolCallDelta{
						ChoiceIndex: 0, ToolCallIndex: payload.Index,
						ArgumentsFragment: payload.Delta.PartialJSON,
					}
				}

			case "message_delta":
				var payload struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				_ = json.Unmarshal([]byte(ev.data), &payload)
				out <- model.StreamUsage{Usage: model.Usage{CompletionTokens: payload.Usage.OutputTokens}}
				if payload.Delta.StopReason != "" {
					fr, ok := finishReasonFromWire[payload.Delta.StopReason]
					if !ok {
						fr = model.FinishNone
					}
					out <- model.StreamEnd{FinishReason: fr}
				}

			case "message_stop":
				return

			case "error":
				out <- model.StreamError{Message: ev.data}
				return
			}
		}
	}()
	return out
}

// EncodeStreamEvent implements dialect.Codec.
func (c *Codec) EncodeStreamEvent(ev model.StreamEvent) []byte {
	frame := func(event string, v any) []byte {
		b, _ := json.Marshal(v)
		s := "event: " + event + "\ndata: " + string(b) + "\n\n"
		return []byte(s)
	}
	_ = time.Now
	switch e := ev.(type) {
	case model.StreamStart:
		return frame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": e.ID, "type": "message", "role": "assistant", "model": e.Model,
				"content": []any{}, "usage": wireUsage{},
			},
		})
	case model.StreamDelta:
		return frame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.ChoiceIndex,
			"delta": map[string]string{"type": "text_delta", "text": e.Content},
		})
	case model.StreamToolCallDelta:
		if e.HasID {
			return frame("content_block_start", map[string]any{
				"type": "content_block_start", "index": e.ToolCallIndex,
				"content_block": map[string]any{"type": "tool_use", "id": e.ID, "name": e.FunctionName, "input": map[string]any{}},
			})
		}
		return frame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.ToolCallIndex,
			"delta": map[string]string{"type": "input_json_delta", "partial_json": e.ArgumentsFragment},
		})
	case model.StreamUsage:
		return frame("message_delta", map[string]any{
			"type": "message_delta", "delta": map[string]string{},
			"usage": wireUsage{OutputTokens: e.Usage.CompletionTokens},
		})
	case model.StreamEnd:
		delta := frame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]string{"stop_reason": finishReasonToWire[e.FinishReason]},
		})
		return append(delta, frame("message_stop", map[string]any{"type": "message_stop"})...)
	case model.StreamError:
		return frame("error", map[string]any{"type": "error", "error": map[string]string{"type": "api_error", "message": e.Message}})
	default:
		return nil
	}
}
