// Package openai implements the OpenAI-compatible dialect codec: chat /
// chat.completion / chat.completion.chunk, per spec §4.L1 and §6.
package openai

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

// sideChannelFields are top-level OpenAI request fields with no normalized
// slot; preserved round-trip via the request's Metadata map (spec §4.L1:
// "carries it in a side map").
var sideChannelFields = []string{"seed", "logprobs", "top_logprobs", "user", "n", "presence_penalty", "frequency_penalty", "logit_bias"}

// Codec implements dialect.Codec for the OpenAI chat-completions contract.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c *Codec) Name() dialect.Name { return dialect.OpenAI }

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function wireFunction   `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *wireImageURL   `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat *wireRespFormat `json:"response_format,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFuncSpec `json:"function"`
}

type wireFuncSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRespFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

func decodeContent(raw json.RawMessage) (text string, parts []model.ContentPart) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var wireParts []wireContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return "", nil
	}
	for _, p := range wireParts {
		switch p.Type {
		case "text":
			parts = append(parts, model.ContentPart{Type: model.ContentText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				parts = append(parts, model.ContentPart{Type: model.ContentImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	return "", parts
}

func encodeContent(m model.Message) json.RawMessage {
	if m.Parts == nil {
		b, _ := json.Marshal(m.Text)
		return b
	}
	wireParts := make([]wireContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case model.ContentText:
			wireParts = append(wireParts, wireContentPart{Type: "text", Text: p.Text})
		case model.ContentImage:
			wireParts = append(wireParts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL}})
		}
	}
	b, _ := json.Marshal(wireParts)
	return b
}

// DecodeRequest implements dialect.Codec.
func (c *Codec) DecodeRequest(body []byte) (*model.NormalizedRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, &model.FieldError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}

	req := &model.NormalizedRequest{
		Model:       wr.Model,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Stop:        wr.Stop,
		Stream:      wr.Stream,
	}

	for _, wm := range wr.Messages {
		text, parts := decodeContent(wm.Content)
		msg := model.Message{
			Role:       model.Role(wm.Role),
			Text:       text,
			Parts:      parts,
			Name:       wm.Name,
			ToolCallID: wm.ToolCallID,
		}
		for _, tc := range wm.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, model.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  []byte(t.Function.Parameters),
		})
	}

	if wr.ToolChoice != nil {
		req.ToolChoice = decodeToolChoice(wr.ToolChoice)
	}

	if wr.ResponseFormat != nil {
		rf := &model.ResponseFormat{Type: wr.ResponseFormat.Type}
		if wr.ResponseFormat.JSONSchema != nil {
			rf.SchemaName = wr.ResponseFormat.JSONSchema.Name
			rf.Strict = wr.ResponseFormat.JSONSchema.Strict
			rf.Schema = wr.ResponseFormat.JSONSchema.Schema
		}
		req.ResponseFormat = rf
	}

	req.Metadata = extractSideChannel(body)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeToolChoice(raw json.RawMessage) *model.ToolChoice {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto", "none", "required":
			return &model.ToolChoice{Mode: asString}
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &model.ToolChoice{Mode: "named", Name: named.Function.Name}
	}
	return nil
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
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        r.Stop,
		Stream:      r.Stream,
	}

	messages := r.Messages
	if r.SystemPrompt != "" {
		messages = append([]model.Message{{Role: model.RoleSystem, Text: r.SystemPrompt}}, messages...)
	}
	for _, m := range messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    encodeContent(m),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for i, tc := range m.ToolCalls {
			idx := i
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Index:    &idx,
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		wr.Messages = append(wr.Messages, wm)
	}

	for _, t := range r.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireFuncSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	if r.ToolChoice != nil {
		switch r.ToolChoice.Mode {
		case "auto", "none", "required":
			b, _ := json.Marshal(r.ToolChoice.Mode)
			wr.ToolChoice = b
		case "named":
			b, _ := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": r.ToolChoice.Name},
			})
			wr.ToolChoice = b
		}
	}

	if r.ResponseFormat != nil {
		wrf := &wireRespFormat{Type: r.ResponseFormat.Type}
		if r.ResponseFormat.Type == "json_schema" {
			wrf.JSONSchema = &wireJSONSchema{
				Name:   r.ResponseFormat.SchemaName,
				Strict: r.ResponseFormat.Strict,
				Schema: r.ResponseFormat.Schema,
			}
		}
		wr.ResponseFormat = wrf
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
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

var finishReasonFromWire = map[string]model.FinishReason{
	"stop":           model.FinishStop,
	"length":         model.FinishLength,
	"tool_calls":     model.FinishToolCalls,
	"content_filter": model.FinishContentFilter,
	"":               model.FinishNone,
}

var finishReasonToWire = map[model.FinishReason]string{
	model.FinishStop:          "stop",
	model.FinishLength:        "length",
	model.FinishToolCalls:     "tool_calls",
	model.FinishContentFilter: "content_filter",
	model.FinishNone:          "",
}

// DecodeResponse implements dialect.Codec.
func (c *Codec) DecodeResponse(body []byte) (*model.NormalizedResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	resp := &model.NormalizedResponse{
		ID:      wr.ID,
		Model:   wr.Model,
		Created: wr.Created,
	}
	if wr.Usage != nil {
		resp.Usage = model.Usage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	for _, wc := range wr.Choices {
		text, parts := decodeContent(wc.Message.Content)
		msg := model.Message{Role: model.Role(wc.Message.Role), Text: text, Parts: parts}
		for _, tc := range wc.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		fr, ok := finishReasonFromWire[wc.FinishReason]
		if !ok {
			fr = model.FinishNone
		}
		resp.Choices = append(resp.Choices, model.Choice{Index: wc.Index, Message: msg, FinishReason: fr})
	}
	return resp, nil
}

// EncodeResponse implements dialect.Codec.
func (c *Codec) EncodeResponse(r *model.NormalizedResponse) ([]byte, error) {
	wr := wireResponse{
		ID:      r.ID,
		Object:  "chat.completion",
		Created: r.Created,
		Model:   r.Model,
		Usage: &wireUsage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
	}
	for _, ch := range r.Choices {
		wm := wireMessage{Role: string(ch.Message.Role), Content: encodeContent(ch.Message)}
		for _, tc := range ch.Message.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: tc.ID, Type: "function", Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments}})
		}
		wr.Choices = append(wr.Choices, wireChoice{Index: ch.Index, Message: wm, FinishReason: finishReasonToWire[ch.FinishReason]})
	}
	return json.Marshal(wr)
}

type wireDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireChunkChoice struct {
	Index        int        `json:"index"`
	Delta        *wireDelta `json:"delta,omitempty"`
	FinishReason *string    `json:"finish_reason,omitempty"`
}

type wireChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []wireChunkChoice `json:"choices"`
	Usage   *wireUsage        `json:"usage,omitempty"`
}

// DecodeStream implements dialect.Codec: parses `data: {json}\n\n` frames,
// terminated by `data: [DONE]`.
func (c *Codec) DecodeStream(r io.Reader) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		started := false
		ended := false
		var id, modelName string

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				if !ended {
					out <- model.StreamEnd{FinishReason: model.FinishStop}
				}
				return
			}
			if data == "" {
				continue
			}
			var chunk wireChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				out <- model.StreamError{Message: "openai: malformed stream chunk: " + err.Error()}
				return
			}
			if !started {
				started = true
				id, modelName = chunk.ID, chunk.Model
				out <- model.StreamStart{ID: id, Model: modelName}
			}
			if chunk.Usage != nil {
				out <- model.StreamUsage{Usage: model.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}}
			}
			for _, ch := range chunk.Choices {
				if ch.Delta != nil {
					if ch.Delta.Content != "" || ch.Delta.Role != "" {
						out <- model.StreamDelta{
							ChoiceIndex: ch.Index,
							Role:        model.Role(ch.Delta.Role),
							Content:     ch.Delta.Content,
							HasRole:     ch.Delta.Role != "",
							HasContent:  ch.Delta.Content != "",
						}
					}
					for _, tc := range ch.Delta.ToolCalls {
						idx := 0
						if tc.Index != nil {
							idx = *tc.Index
						}
						out <- model.StreamToolCallDelta{
							ChoiceIndex:       ch.Index,
							ToolCallIndex:     idx,
							ID:                tc.ID,
							FunctionName:      tc.Function.Name,
							ArgumentsFragment: tc.Function.Arguments,
							HasID:             tc.ID != "",
							HasFunctionName:   tc.Function.Name != "",
						}
					}
				}
				if ch.FinishReason != nil && !ended {
					fr, ok := finishReasonFromWire[*ch.FinishReason]
					if !ok {
						fr = model.FinishNone
					}
					ended = true
					out <- model.StreamEnd{FinishReason: fr}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- model.StreamError{Message: "openai: stream read error: " + err.Error()}
		}
	}()
	return out
}

// EncodeStreamEvent implements dialect.Codec.
func (c *Codec) EncodeStreamEvent(ev model.StreamEvent) []byte {
	now := time.Now().Unix()
	frame := func(v any) []byte {
		b, _ := json.Marshal(v)
		return append(append([]byte("data: "), b...), []byte("\n\n")...)
	}
	switch e := ev.(type) {
	case model.StreamStart:
		return frame(wireChunk{ID: e.ID, Object: "chat.completion.chunk", Created: now, Model: e.Model,
			Choices: []wireChunkChoice{{Index: 0, Delta: &wireDelta{Role: "assistant"}}}})
	case model.StreamDelta:
		return frame(wireChunk{Object: "chat.completion.chunk", Created: now,
			Choices: []wireChunkChoice{{Index: e.ChoiceIndex, Delta: &wireDelta{Content: e.Content}}}})
	case model.StreamToolCallDelta:
		idx := e.ToolCallIndex
		return frame(wireChunk{Object: "chat.completion.chunk", Created: now,
			Choices: []wireChunkChoice{{Index: e.ChoiceIndex, Delta: &wireDelta{ToolCalls: []wireToolCall{{
				Index: &idx, ID: e.ID, Type: "function",
				Function: wireFunction{Name: e.FunctionName, Arguments: e.ArgumentsFragment},
			}}}}}})
	case model.StreamUsage:
		return frame(wireChunk{Object: "chat.completion.chunk", Created: now,
			Usage: &wireUsage{PromptTokens: e.Usage.PromptTokens, CompletionTokens: e.Usage.CompletionTokens, TotalTokens: e.Usage.TotalTokens}})
	case model.StreamEnd:
		fr := finishReasonToWire[e.FinishReason]
		b := frame(wireChunk{Object: "chat.completion.chunk", Created: now,
			Choices: []wireChunkChoice{{Index: 0, Delta: &wireDelta{}, FinishReason: &fr}}})
		return append(b, []byte("data: [DONE]\n\n")...)
	case model.StreamError:
		b, _ := json.Marshal(map[string]any{"error": map[string]string{"message": e.Message, "type": "upstream_error"}})
		return append(append([]byte("data: "), b...), []byte("\n\n")...)
	default:
		return nil
	}
}
