package connector

import (
	"net/http"

	"github.com/sirupsen/logrus"

	anthropicdialect "github.com/erans/lunaroute/internal/dialect/anthropic"
	openaidialect "github.com/erans/lunaroute/internal/dialect/openai"
)

// OpenAIConfig configures an OpenAI-compatible connector.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // default: https://api.openai.com/v1/chat/completions
	Organization string
}

// NewOpenAI builds an L2 connector for an OpenAI-compatible upstream,
// grounded in teacher's internal/providers/openai/provider.go (same base
// URL default, same bearer-token auth scheme).
func NewOpenAI(name string, cfg OpenAIConfig, logger *logrus.Logger) *HTTPConnector {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		if cfg.Organization != "" {
			req.Header.Set("OpenAI-Organization", cfg.Organization)
		}
	}
	return NewHTTPConnector(name, endpoint, openaidialect.New(), auth, logger)
}

// AnthropicConfig configures an Anthropic-compatible connector.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string // default: https://api.anthropic.com/v1/messages
	APIVersion string // default: 2023-06-01
}

// NewAnthropic builds an L2 connector for an Anthropic-compatible upstream,
// grounded in teacher's internal/providers/anthropic/provider.go, but with a
// real streaming implementation — the teacher's StreamCompletion is an
// unimplemented stub ("streaming not yet implemented for current Anthropic
// SDK version"); this connector's Stream works via the shared HTTPConnector
// and the anthropic dialect codec's DecodeStream.
func NewAnthropic(name string, cfg AnthropicConfig, logger *logrus.Logger) *HTTPConnector {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1/messages"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "2023-06-01"
	}
	auth := func(req *http.Request) {
		req.Header.Set("x-api-key", cfg.APIKey)
		req.Header.Set("anthropic-version", version)
	}
	return NewHTTPConnector(name, endpoint, anthropicdialect.New(), auth, logger)
}
