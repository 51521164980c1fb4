// Package config loads and validates LunaRoute's YAML configuration: the
// dialect listeners it exposes, the upstream connectors it dials out to,
// the routing table that picks between them, the session store that
// records every request, and the ops surface (security, logging).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/erans/lunaroute/internal/connector"
	"github.com/erans/lunaroute/internal/middleware"
	"github.com/erans/lunaroute/internal/routing"
	"github.com/erans/lunaroute/internal/security"
	"github.com/erans/lunaroute/internal/session"
)

// Config is the root of LunaRoute's configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Listener ListenerConfig `yaml:"listener"`
	Routing  RoutingConfig  `yaml:"routing"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig holds the ops HTTP server's own listen settings.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ListenerConfig names the dialect surfaces LunaRoute accepts client
// requests on and the upstream connectors it may route to (spec §4.I1/I2,
// §4.L1/L2).
type ListenerConfig struct {
	Listeners  []ListenerEntry    `yaml:"listeners"`
	Connectors []ConnectorEntry   `yaml:"connectors"`
	Switch     SwitchNotifyConfig `yaml:"switch_notification"`
}

// ListenerEntry is one ingress surface: a path plus the dialect it speaks.
// Passthrough selects the byte-forwarding fast path (spec §4.I2) instead of
// the normalizing pipeline (§4.I1); it is only valid when PassthroughTarget
// is set and exactly one connector of this dialect is configured.
type ListenerEntry struct {
	Name              string `yaml:"name"`
	Path              string `yaml:"path"`
	Dialect           string `yaml:"dialect"` // "openai" | "anthropic"
	Passthrough       bool   `yaml:"passthrough"`
	PassthroughTarget string `yaml:"passthrough_target,omitempty"` // connector name to forward to
}

// ConnectorEntry is one upstream provider LunaRoute may dispatch to.
type ConnectorEntry struct {
	Name         string `yaml:"name"`
	Dialect      string `yaml:"dialect"` // "openai" | "anthropic"
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Organization string `yaml:"organization,omitempty"` // OpenAI only
	APIVersion   string `yaml:"api_version,omitempty"`  // Anthropic only
	MaxRetries   int    `yaml:"max_retries"`
}

// SwitchNotifyConfig mirrors routing.SwitchNotificationConfig (spec §4.M1
// "Switch notification"), kept as plain strings here so it survives a YAML
// round-trip; ToSwitchConfig below builds the routing package's type.
type SwitchNotifyConfig struct {
	Enabled          bool              `yaml:"enabled"`
	Template         string            `yaml:"template"`
	ProviderOverride map[string]string `yaml:"provider_override,omitempty"`
}

// RoutingConfig configures the L3-L7 routing stack: the rule table plus
// the circuit breaker, health monitor, and rate-limit-aware strategy
// engine every rule draws on.
type RoutingConfig struct {
	RulesFile          string                      `yaml:"rules_file"` // parsed from YAML but not read by any code; the routing table is built from Rules
	Rules              []routing.Rule              `yaml:"-"`
	Breaker            routing.BreakerConfig       `yaml:"circuit_breaker"`
	Health             routing.HealthMonitorConfig `yaml:"health_monitor"`
	RateLimitBaseDelay time.Duration               `yaml:"rate_limit_base_delay"`
}

// SessionConfig selects the session store backend (spec §4.S2 "pluggable
// back-end: file | sqlite | postgres") and its Redis change-notification
// channel.
type SessionConfig struct {
	Backend        string        `yaml:"backend"` // "file" | "sqlite" | "postgres"
	TenantMode     string        `yaml:"tenant_mode"` // "single" | "multi"
	FileDir        string        `yaml:"file_dir"`
	FileBufferSize int           `yaml:"file_buffer_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	SQLitePath     string        `yaml:"sqlite_path"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	RedisAddr      string        `yaml:"redis_addr,omitempty"`
	RedisChannel   string        `yaml:"redis_channel,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds the ingress's auth/rate-limit/validation/audit
// configuration, consumed via ToSecurityMiddlewareConfig.
type SecurityConfig struct {
	APIKeys           []string         `yaml:"api_keys"`
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerMin int           `yaml:"requests_per_minute"`
	BurstSize      int           `yaml:"burst_size"`
	WindowDuration time.Duration `yaml:"window_duration"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ValidationConfig holds request validation configuration.
type ValidationConfig struct {
	MaxRequestSize int64 `yaml:"max_request_size"`
	MaxJSONDepth   int   `yaml:"max_json_depth"`
	MaxFieldLength int   `yaml:"max_field_length"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Listener = ListenerConfig{
		Listeners: []ListenerEntry{
			{Name: "openai", Path: "/v1/chat/completions", Dialect: "openai"},
			{Name: "anthropic", Path: "/v1/messages", Dialect: "anthropic"},
		},
		Switch: SwitchNotifyConfig{
			Enabled:  true,
			Template: "${original_provider} was unavailable, switched to ${new_provider} (${reason})",
		},
	}

	c.Routing = RoutingConfig{
		Breaker:            routing.DefaultBreakerConfig(),
		Health:             routing.DefaultHealthMonitorConfig(),
		RateLimitBaseDelay: 5 * time.Second,
	}

	c.Session = SessionConfig{
		Backend:        "file",
		TenantMode:     "single",
		FileDir:        "./data/sessions",
		FileBufferSize: 256,
		FlushInterval:  5 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys: []string{},
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
			WindowDuration: time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		RequestValidation: ValidationConfig{
			MaxRequestSize: 10 << 20,
			MaxJSONDepth:   20,
			MaxFieldLength: 1024,
		},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnv layers environment overrides on top of file/defaults,
// following the teacher's LLM_ROUTER_* naming convention, renamed to
// LUNAROUTE_*.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("LUNAROUTE_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("LUNAROUTE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LUNAROUTE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if dsn := os.Getenv("LUNAROUTE_POSTGRES_DSN"); dsn != "" {
		c.Session.PostgresDSN = dsn
	}
	if addr := os.Getenv("LUNAROUTE_REDIS_ADDR"); addr != "" {
		c.Session.RedisAddr = addr
	}

	for i := range c.Listener.Connectors {
		entry := &c.Listener.Connectors[i]
		if key := os.Getenv(connectorKeyEnvVar(entry.Name)); key != "" {
			entry.APIKey = key
		}
	}
}

func connectorKeyEnvVar(name string) string {
	out := make([]byte, 0, len(name)+16)
	out = append(out, "LUNAROUTE_"...)
	for _, r := range name {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out) + "_API_KEY"
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validBackends := map[string]bool{"file": true, "sqlite": true, "postgres": true}
	if !validBackends[c.Session.Backend] {
		return fmt.Errorf("invalid session backend: %s", c.Session.Backend)
	}
	if c.Session.Backend == "postgres" && c.Session.PostgresDSN == "" {
		return fmt.Errorf("session backend postgres requires postgres_dsn")
	}

	if len(c.Listener.Connectors) == 0 {
		return fmt.Errorf("at least one connector must be configured")
	}
	for _, conn := range c.Listener.Connectors {
		if conn.Name == "" {
			return fmt.Errorf("connector entry missing name")
		}
		if conn.Dialect != "openai" && conn.Dialect != "anthropic" {
			return fmt.Errorf("connector %s: dialect must be openai or anthropic, got %q", conn.Name, conn.Dialect)
		}
	}
	if len(c.Listener.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be configured")
	}
	for _, l := range c.Listener.Listeners {
		if !l.Passthrough {
			continue
		}
		if l.PassthroughTarget == "" {
			return fmt.Errorf("listener %s: passthrough requires passthrough_target", l.Name)
		}
		found := false
		for _, conn := range c.Listener.Connectors {
			if conn.Name == l.PassthroughTarget {
				found = true
				if conn.Dialect != l.Dialect {
					return fmt.Errorf("listener %s: passthrough_target %s has dialect %s, want %s", l.Name, conn.Name, conn.Dialect, l.Dialect)
				}
			}
		}
		if !found {
			return fmt.Errorf("listener %s: passthrough_target %s is not a configured connector", l.Name, l.PassthroughTarget)
		}
		sameDialect := 0
		for _, conn := range c.Listener.Connectors {
			if conn.Dialect == l.Dialect {
				sameDialect++
			}
		}
		if sameDialect != 1 {
			return fmt.Errorf("listener %s: passthrough requires exactly one %s connector, found %d", l.Name, l.Dialect, sameDialect)
		}
	}

	return nil
}

// ToSwitchConfig converts to routing.SwitchNotificationConfig.
func (c *Config) ToSwitchConfig() routing.SwitchNotificationConfig {
	return routing.SwitchNotificationConfig{
		Enabled:          c.Listener.Switch.Enabled,
		Template:         c.Listener.Switch.Template,
		ProviderOverride: c.Listener.Switch.ProviderOverride,
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig.
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:        c.Security.APIKeys,
			RequireAuth:    len(c.Security.APIKeys) > 0,
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			WindowDuration:    c.Security.RateLimiting.WindowDuration,
			CleanupInterval:   5 * time.Minute,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: c.Security.RequestValidation.MaxRequestSize,
			AllowedMethods: c.Security.CORS.AllowedMethods,
			ContentTypes:   []string{"application/json", "text/plain"},
			MaxJSONDepth:   c.Security.RequestValidation.MaxJSONDepth,
			MaxFieldLength: c.Security.RequestValidation.MaxFieldLength,
		},
		Audit: &security.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}
}

// ToConnectorConfig resolves one ConnectorEntry into the dialect-specific
// config the connector package's constructors expect.
func (e ConnectorEntry) ToConnectorConfig() (isAnthropic bool, openaiCfg connector.OpenAIConfig, anthropicCfg connector.AnthropicConfig) {
	if e.Dialect == "anthropic" {
		return true, connector.OpenAIConfig{}, connector.AnthropicConfig{
			APIKey: e.APIKey, BaseURL: e.BaseURL, APIVersion: e.APIVersion,
		}
	}
	return false, connector.OpenAIConfig{APIKey: e.APIKey, BaseURL: e.BaseURL, Organization: e.Organization}, connector.AnthropicConfig{}
}

// SessionTenantMode maps the YAML tenant_mode string onto session.TenantMode.
func (c *Config) SessionTenantMode() session.TenantMode {
	if c.Session.TenantMode == "multi" {
		return session.MultiTenant
	}
	return session.SingleTenant
}

// SaveToFile saves the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
