// Package model defines the dialect-agnostic request/response/stream types
// that every connector and codec in LunaRoute operates on.
package model

// Role is the speaker of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType distinguishes the kind of content carried by a ContentPart.
type ContentPartType string

const (
	ContentText  ContentPartType = "text"
	ContentImage ContentPartType = "image"
	ContentAudio ContentPartType = "audio"
)

// ContentPart is one piece of a (possibly multimodal) message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	Text string `json:"text,omitempty"`

	// Image fields; exactly one of URL or (Base64+MediaType) is set.
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	MediaType   string `json:"media_type,omitempty"`

	// Audio fields, mirroring the image shape.
	AudioBase64 string `json:"audio_base64,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
}

// ToolCall is a model-issued invocation of a client-declared tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // opaque JSON, preserved verbatim
}

// Message is one turn of a conversation.
type Message struct {
	Role Role `json:"role"`

	// Content is either a single text string (Text != "", Parts == nil) or an
	// ordered sequence of parts. Codecs normalize OpenAI's string-or-array
	// content field and Anthropic's content-block array into this shape.
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`

	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition is a client-declared function the model may call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  []byte `json:"parameters,omitempty"` // raw JSON Schema
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Mode string `json:"mode"` // "auto" | "none" | "required" | "named"
	Name string `json:"name,omitempty"`
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type       string `json:"type"` // "text" | "json_object" | "json_schema"
	SchemaName string `json:"schema_name,omitempty"`
	Schema     []byte `json:"schema,omitempty"` // raw JSON Schema, forwarded without validation
	Strict     bool   `json:"strict,omitempty"`
}

// NormalizedRequest is the dialect-agnostic request shape every codec
// decodes into and every connector renders out of. See spec §3.
type NormalizedRequest struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`

	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	Stream bool `json:"stream"`

	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice      `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Metadata carries dialect-specific fields that have no normalized slot
	// (e.g. OpenAI seed/logprobs, Anthropic metadata.user_id), extracted via
	// gjson at decode time and reinjected via sjson at render time so that
	// round-tripping through LunaRoute doesn't silently drop provider
	// extensions.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the invariants spec §4.L1/§6 require of every dialect at
// decode time: non-empty messages, temperature in [0, 2].
func (r *NormalizedRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &FieldError{Field: "messages", Reason: "must not be empty"}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &FieldError{Field: "temperature", Reason: "must be in [0, 2]"}
	}
	return nil
}

// FieldError is LunaRoute's MalformedRequest{field} error from spec §4.L1.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "malformed request field " + e.Field + ": " + e.Reason
}

// UnsupportedFeatureError is spec §4.L1's UnsupportedFeature{name} error.
type UnsupportedFeatureError struct {
	Name string
}

func (e *UnsupportedFeatureError) Error() string {
	return "unsupported feature: " + e.Name
}
