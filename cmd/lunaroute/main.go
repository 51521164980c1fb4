// Command lunaroute runs the LunaRoute gateway: it decodes client requests
// off one or more dialect listeners, routes each through the circuit-breaker
// and health-aware Router to an upstream connector, records the session
// lifecycle, and re-encodes the response in the client's dialect (spec
// §4.I1/I2). Bootstrap shape follows the teacher's Application/NewApplication/
// Run graceful-shutdown idiom (cmd/llm-router/main.go in the reference repo).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/config"
	"github.com/erans/lunaroute/internal/connector"
	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/dialect/anthropic"
	"github.com/erans/lunaroute/internal/dialect/openai"
	"github.com/erans/lunaroute/internal/ingress"
	"github.com/erans/lunaroute/internal/metrics"
	"github.com/erans/lunaroute/internal/routing"
	"github.com/erans/lunaroute/internal/server"
	"github.com/erans/lunaroute/internal/session"
)

var (
	version = "dev"
)

// Application owns every long-lived component the gateway needs and the
// graceful-shutdown sequence across them.
type Application struct {
	config *config.Config
	store  session.Store
	srv    *server.Server
	logger *logrus.Logger
}

func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	codecs := map[dialect.Name]dialect.Codec{
		dialect.OpenAI:    openai.New(),
		dialect.Anthropic: anthropic.New(),
	}

	store, err := buildStore(cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build session store: %w", err)
	}

	table := routing.NewRoutingTable(cfg.Routing.Rules)
	breakers := routing.NewBreakerRegistry(cfg.Routing.Breaker)
	health := routing.NewHealthMonitor(cfg.Routing.Health)
	strategies := routing.NewStrategyState(cfg.Routing.RateLimitBaseDelay)

	router := routing.NewRouter(table, breakers, health, strategies, logger)
	router.Switch = cfg.ToSwitchConfig()

	attemptSink := &session.AttemptLogger{Logger: logger}
	if err := registerConnectors(router, cfg.Listener.Connectors, attemptSink, logger); err != nil {
		return nil, fmt.Errorf("failed to register connectors: %w", err)
	}

	reg := metrics.New()

	pipeline := ingress.New(codecs, router, store, cfg.SessionTenantMode(), reg, logger)

	listeners, passthroughTargets, err := buildListeners(cfg.Listener, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build listeners: %w", err)
	}

	srv, err := server.NewServer(pipeline, listeners, passthroughTargets, reg, &server.ServerConfig{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		Security:       cfg.ToSecurityMiddlewareConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{config: cfg, store: store, srv: srv, logger: logger}, nil
}

// registerConnectors builds one HTTPConnector per configured entry, wraps it
// in the Logging/Recording decorators (spec §4.L2), and registers it under
// its configured name.
func registerConnectors(router *routing.Router, entries []config.ConnectorEntry, sink *session.AttemptLogger, logger *logrus.Logger) error {
	for _, entry := range entries {
		isAnthropic, openaiCfg, anthropicCfg := entry.ToConnectorConfig()

		var base connector.Connector
		if isAnthropic {
			base = connector.NewAnthropic(entry.Name, anthropicCfg, logger)
		} else {
			base = connector.NewOpenAI(entry.Name, openaiCfg, logger)
		}

		recorded := &connector.RecordingConnector{Inner: base, Sink: sink}
		logged := &connector.LoggingConnector{Inner: recorded, Logger: logger}
		router.RegisterConnector(entry.Name, logged)
	}
	return nil
}

// buildStore constructs the session.Store for the configured backend,
// wiring a Redis change notifier when sqlite/postgres backends request one
// (spec §4.S2's WatchChanges fan-out).
func buildStore(cfg config.SessionConfig, logger *logrus.Logger) (session.Store, error) {
	mode := session.SingleTenant
	if cfg.TenantMode == "multi" {
		mode = session.MultiTenant
	}

	var notifier *session.RedisNotifier
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		channel := cfg.RedisChannel
		if channel == "" {
			channel = "lunaroute:sessions"
		}
		notifier = session.NewRedisNotifier(client, channel)
	}

	switch cfg.Backend {
	case "sqlite":
		return session.NewSQLiteStore(cfg.SQLitePath, mode, notifier)
	case "postgres":
		return session.NewPostgresStore(cfg.PostgresDSN, mode, notifier)
	default:
		return session.NewFileStore(session.FileStoreConfig{
			BaseDir:       cfg.FileDir,
			BufferSize:    cfg.FileBufferSize,
			FlushInterval: cfg.FlushInterval,
		}, logger)
	}
}

// buildListeners translates config.ListenerEntry into the ingress package's
// own Listener/PassthroughTarget types, resolving each passthrough target's
// base URL and auth function from its backing connector entry.
func buildListeners(cfg config.ListenerConfig, logger *logrus.Logger) ([]ingress.Listener, map[string]ingress.PassthroughTarget, error) {
	connectorsByName := make(map[string]config.ConnectorEntry, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		connectorsByName[c.Name] = c
	}

	listeners := make([]ingress.Listener, 0, len(cfg.Listeners))
	targets := make(map[string]ingress.PassthroughTarget)

	for _, l := range cfg.Listeners {
		dialectName := dialect.OpenAI
		if l.Dialect == "anthropic" {
			dialectName = dialect.Anthropic
		}

		listeners = append(listeners, ingress.Listener{
			Name:        l.Name,
			Path:        l.Path,
			Dialect:     dialectName,
			Kind:        l.Name,
			Passthrough: l.Passthrough,
		})

		if !l.Passthrough {
			continue
		}
		entry, ok := connectorsByName[l.PassthroughTarget]
		if !ok {
			return nil, nil, fmt.Errorf("listener %s: passthrough_target %s not found", l.Name, l.PassthroughTarget)
		}
		targets[l.Name] = buildPassthroughTarget(entry, dialectName)
	}

	return listeners, targets, nil
}

func buildPassthroughTarget(entry config.ConnectorEntry, dialectName dialect.Name) ingress.PassthroughTarget {
	isAnthropic, openaiCfg, anthropicCfg := entry.ToConnectorConfig()

	target := ingress.PassthroughTarget{Provider: entry.Name, Dialect: dialectName}
	if isAnthropic {
		target.BaseURL = anthropicCfg.BaseURL
		if target.BaseURL == "" {
			target.BaseURL = "https://api.anthropic.com"
		}
		version := anthropicCfg.APIVersion
		if version == "" {
			version = "2023-06-01"
		}
		apiKey := anthropicCfg.APIKey
		target.Auth = func(req *http.Request) {
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", version)
		}
	} else {
		target.BaseURL = openaiCfg.BaseURL
		if target.BaseURL == "" {
			target.BaseURL = "https://api.openai.com"
		}
		apiKey := openaiCfg.APIKey
		org := openaiCfg.Organization
		target.Auth = func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+apiKey)
			if org != "" {
				req.Header.Set("OpenAI-Organization", org)
			}
		}
	}
	return target
}

// Run starts the HTTP server and blocks until a shutdown signal arrives,
// then drains in-flight requests before returning.
func (app *Application) Run() error {
	serverErrors := make(chan error, 1)

	go func() {
		app.logger.Info("starting lunaroute server")
		serverErrors <- app.srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		app.logger.WithField("signal", sig).Info("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := app.srv.Stop(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := app.store.Flush(ctx); err != nil {
			app.logger.WithError(err).Warn("failed to flush session store on shutdown")
		}
	}

	return nil
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
		}
		logger.SetOutput(f)
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lunaroute - intelligent LLM gateway

Usage:
  lunaroute [flags]

Flags:
  -config string
        path to YAML configuration file
  -help
        show this usage text
  -version
        print version and exit

Environment variables (override config file values):
  LUNAROUTE_PORT               HTTP listen port
  LUNAROUTE_LOG_LEVEL          logrus level (debug|info|warn|error|fatal)
  LUNAROUTE_LOG_FORMAT         json|text
  LUNAROUTE_POSTGRES_DSN       postgres session store DSN
  LUNAROUTE_REDIS_ADDR         redis address for session change notifications
  LUNAROUTE_<CONNECTOR>_API_KEY   API key for the connector named <connector>
`)
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showHelp := flag.Bool("help", false, "show usage")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		fmt.Println("lunaroute", version)
		return
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize lunaroute: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.WithError(err).Fatal("lunaroute exited with error")
	}
}
