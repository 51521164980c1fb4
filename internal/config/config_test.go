package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_NoConnectorsFailsValidation(t *testing.T) {
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected LoadConfig(\"\") to fail validation with no connectors configured")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Session.Backend != "file" {
		t.Errorf("expected default session backend 'file', got %s", cfg.Session.Backend)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	os.Setenv("LUNAROUTE_PORT", "9090")
	os.Setenv("LUNAROUTE_LOG_LEVEL", "debug")
	os.Setenv("LUNAROUTE_LOG_FORMAT", "text")
	defer func() {
		os.Unsetenv("LUNAROUTE_PORT")
		os.Unsetenv("LUNAROUTE_LOG_LEVEL")
		os.Unsetenv("LUNAROUTE_LOG_FORMAT")
	}()

	cfg := &Config{}
	cfg.setDefaults()
	cfg.Listener.Connectors = []ConnectorEntry{{Name: "openai", Dialect: "openai", APIKey: "k"}}
	cfg.loadFromEnv()

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port '9090', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected log format 'text', got %s", cfg.Logging.Format)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no connectors",
			mutate:  func(c *Config) { c.Listener.Connectors = nil },
			wantErr: "at least one connector",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Listener.Connectors = []ConnectorEntry{{Name: "o", Dialect: "openai", APIKey: "k"}}
				c.Logging.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "invalid connector dialect",
			mutate: func(c *Config) {
				c.Listener.Connectors = []ConnectorEntry{{Name: "o", Dialect: "bogus", APIKey: "k"}}
			},
			wantErr: "dialect must be openai or anthropic",
		},
		{
			name: "postgres backend without dsn",
			mutate: func(c *Config) {
				c.Listener.Connectors = []ConnectorEntry{{Name: "o", Dialect: "openai", APIKey: "k"}}
				c.Session.Backend = "postgres"
			},
			wantErr: "requires postgres_dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got none", tt.wantErr)
			}
			if !containsString(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_FileLoading(t *testing.T) {
	configContent := `
server:
  port: "3000"
  read_timeout: 60s

logging:
  level: "warn"
  format: "text"

listener:
  listeners:
    - name: openai
      path: /v1/chat/completions
      dialect: openai
  connectors:
    - name: openai
      dialect: openai
      api_key: file-openai-key
`

	tmpFile, err := os.CreateTemp("", "test_config_*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "3000" {
		t.Errorf("expected port '3000', got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("expected read timeout 60s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level 'warn', got %s", cfg.Logging.Level)
	}
	if len(cfg.Listener.Connectors) != 1 || cfg.Listener.Connectors[0].APIKey != "file-openai-key" {
		t.Errorf("expected connector api key 'file-openai-key', got %+v", cfg.Listener.Connectors)
	}
}

func TestConfig_ToSecurityMiddlewareConfig(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Security.APIKeys = []string{"secret"}

	smc := cfg.ToSecurityMiddlewareConfig()
	if !smc.Auth.RequireAuth {
		t.Error("expected RequireAuth true when API keys are configured")
	}
	if smc.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("expected default rate limit 60/min, got %d", smc.RateLimit.RequestsPerMinute)
	}
}

func TestConfig_ToConnectorConfig(t *testing.T) {
	entry := ConnectorEntry{Name: "claude", Dialect: "anthropic", APIKey: "k", APIVersion: "2023-06-01"}
	isAnthropic, _, anthropicCfg := entry.ToConnectorConfig()
	if !isAnthropic {
		t.Error("expected anthropic dialect to report isAnthropic true")
	}
	if anthropicCfg.APIKey != "k" {
		t.Errorf("expected api key 'k', got %s", anthropicCfg.APIKey)
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "4000"

	tmpFile, err := os.CreateTemp("", "test_save_*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if err := cfg.SaveToFile(tmpFile.Name()); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	data, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}

	content := string(data)
	if !containsString(content, "port: \"4000\"") {
		t.Error("saved config should contain the custom port")
	}
}

func containsString(s, substr string) bool {
	return len(substr) <= len(s) && (substr == s || containsSubstring(s, substr))
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func BenchmarkLoadConfig_Defaults(b *testing.B) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Listener.Connectors = []ConnectorEntry{{Name: "openai", Dialect: "openai", APIKey: "k"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.validate()
	}
}
