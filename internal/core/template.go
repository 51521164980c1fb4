package core

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// templateVarRegex matches ${variable} or ${env.VAR_NAME}.
var templateVarRegex = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)\}`)

// escapedVarRegex matches the escape sequence $${variable}.
var escapedVarRegex = regexp.MustCompile(`\$\$\{([^}]+)\}`)

// sensitivePrefixes and sensitiveSuffixes gate which environment variables
// ${env.NAME} may ever read, per spec §6.
var sensitivePrefixes = []string{
	"AWS_", "GITHUB_", "GITLAB_", "AZURE_", "GCP_", "DOCKER_",
	"NPM_", "PYPI_", "CARGO_", "OPENAI_", "ANTHROPIC_",
}

var sensitiveSuffixes = []string{
	"_KEY", "_SECRET", "_PASSWORD", "_TOKEN", "_CREDS",
	"_AUTH", "_PRIVATE", "_CERT", "_PEM", "_JWT", "_OAUTH", "_APIKEY",
}

var sensitiveExact = map[string]bool{
	"PASSWORD": true, "SECRET": true, "TOKEN": true, "KEY": true, "CREDENTIALS": true,
}

// IsSensitiveEnvVar reports whether a name should never be exposed via
// ${env.NAME} substitution.
func IsSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(upper, s) || strings.Contains(upper, s) {
			return true
		}
	}
	return sensitiveExact[upper]
}

// TemplateContext is the per-request mutable binding of well-known keys plus
// a cached environment-variable lookup, per spec §3. It is NOT safe to share
// across requests/goroutines: create one per request.
type TemplateContext struct {
	RequestID string
	SessionID string
	Provider  string
	Model     string
	Timestamp string
	ClientIP  string
	UserAgent string
	Cached    *bool

	logger  *logrus.Logger
	envVars map[string]string
}

// NewTemplateContext builds a context stamped with the current time.
func NewTemplateContext(requestID, provider, model string, logger *logrus.Logger) *TemplateContext {
	return &TemplateContext{
		RequestID: requestID,
		Provider:  provider,
		Model:     model,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		logger:    logger,
		envVars:   make(map[string]string),
	}
}

func (c *TemplateContext) getEnvVar(name string) (string, bool) {
	if IsSensitiveEnvVar(name) {
		if c.logger != nil {
			c.logger.WithField("var", name).Warn("rejecting access to potentially sensitive environment variable")
		}
		return "", false
	}
	if v, ok := c.envVars[name]; ok {
		return v, true
	}
	if v, ok := os.LookupEnv(name); ok {
		c.envVars[name] = v
		return v, true
	}
	return "", false
}

func (c *TemplateContext) getVariable(name string) (string, bool) {
	if rest, ok := strings.CutPrefix(name, "env."); ok {
		return c.getEnvVar(rest)
	}
	switch name {
	case "request_id":
		return c.RequestID, true
	case "session_id":
		return c.SessionID, c.SessionID != ""
	case "provider":
		return c.Provider, true
	case "model":
		return c.Model, true
	case "timestamp":
		return c.Timestamp, true
	case "client_ip":
		return c.ClientIP, c.ClientIP != ""
	case "user_agent":
		return c.UserAgent, c.UserAgent != ""
	case "cached":
		if c.Cached != nil {
			return strconv.FormatBool(*c.Cached), true
		}
		return "", false
	default:
		return "", false
	}
}

// Substitute replaces ${variable} references in template with values from
// the context. Escaped $${variable} renders literally as ${variable};
// missing variables are left as the original ${name} token.
func (c *TemplateContext) Substitute(template string) string {
	withEscapesHandled := escapedVarRegex.ReplaceAllString(template, "\x00ESCAPED:$1\x00")

	result := templateVarRegex.ReplaceAllStringFunc(withEscapesHandled, func(match string) string {
		name := templateVarRegex.FindStringSubmatch(match)[1]
		if v, ok := c.getVariable(name); ok {
			return v
		}
		if c.logger != nil {
			c.logger.WithField("var", name).Debug("template variable not found, keeping as-is")
		}
		return match
	})

	result = strings.ReplaceAll(result, "\x00ESCAPED:", "${")
	result = strings.ReplaceAll(result, "\x00", "}")
	return result
}
