// Package dialect declares the codec contract every dialect (OpenAI,
// Anthropic) implements; internal/dialect/openai and internal/dialect/
// anthropic provide the concrete translations, grounded in the request/
// response conversion functions of the teacher's internal/providers/{openai,
// anthropic} packages but lifted out of the HTTP-calling provider code so
// they can be reused standalone for passthrough-mode recording and for
// rendering fallback requests to a different-dialect provider.
package dialect

import (
	"io"

	"github.com/erans/lunaroute/internal/model"
)

// Name identifies a dialect.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
)

// Codec implements spec §4.L1's four operations for one dialect.
type Codec interface {
	Name() Name

	// DecodeRequest parses a client request body into the normalized model,
	// validating required fields (non-empty messages, temperature range).
	DecodeRequest(body []byte) (*model.NormalizedRequest, error)

	// EncodeRequest renders a normalized request back into this dialect for
	// upstream transmission.
	EncodeRequest(r *model.NormalizedRequest) ([]byte, error)

	// EncodeResponse renders a normalized response into this dialect's
	// unary response JSON, for returning to a client of this dialect.
	EncodeResponse(r *model.NormalizedResponse) ([]byte, error)

	// DecodeResponse parses an upstream unary response body (in this
	// dialect) into the normalized model.
	DecodeResponse(body []byte) (*model.NormalizedResponse, error)

	// DecodeStream parses an upstream SSE byte stream (in this dialect)
	// into a sequence of normalized stream events. The returned channel is
	// closed once a terminal End or Error event has been sent, or the
	// reader is exhausted.
	DecodeStream(r io.Reader) <-chan model.StreamEvent

	// EncodeStreamEvent renders one normalized stream event as an SSE frame
	// (including the "data: " prefix and trailing blank line, and the
	// dialect's terminating marker when ev is a StreamEnd) in this dialect.
	EncodeStreamEvent(ev model.StreamEvent) []byte
}
