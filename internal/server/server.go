// Package server hosts LunaRoute's HTTP surface: the ops endpoints
// (health, readiness, Prometheus metrics, API docs) plus the mounted
// ingress listeners that do the actual request handling (internal/ingress).
// Grounded in the teacher's server.go route-table/middleware-chain shape;
// the provider/routing-specific handlers the teacher built directly into
// this package now live in internal/ingress, reached through real
// dialect.Codec/connector.Connector/routing.Router plumbing instead of the
// teacher's single in-process provider map.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/ingress"
	"github.com/erans/lunaroute/internal/metrics"
	"github.com/erans/lunaroute/internal/middleware"
)

// Server is LunaRoute's HTTP front door: ops endpoints plus every configured
// ingress listener, wrapped in the shared security/validation/logging
// middleware chain.
type Server struct {
	httpServer           *http.Server
	logger               *logrus.Logger
	config               *ServerConfig
	ingress              *ingress.Pipeline
	listeners            []ingress.Listener
	passthroughTargets   map[string]ingress.PassthroughTarget
	metrics              *metrics.Registry
	securityMiddleware   *middleware.SecurityMiddleware
	validationMiddleware *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                                `yaml:"port"`
	ReadTimeout    time.Duration                         `yaml:"read_timeout"`
	WriteTimeout   time.Duration                         `yaml:"write_timeout"`
	MaxHeaderBytes int                                   `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig  `yaml:"security"`
	Validation     *middleware.ValidationConfig          `yaml:"validation"`
}

// NewServer creates a new server instance, wiring the ingress pipeline and
// its listeners alongside the ops surface.
func NewServer(pipeline *ingress.Pipeline, listeners []ingress.Listener, passthroughTargets map[string]ingress.PassthroughTarget, reg *metrics.Registry, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		ingress:            pipeline,
		listeners:          listeners,
		passthroughTargets: passthroughTargets,
		metrics:            reg,
		logger:             logger,
		config:             config,
	}

	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	if config.Validation != nil {
		validationMiddleware, err := middleware.NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
		}
		server.validationMiddleware = validationMiddleware
	}

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("starting LunaRoute server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping LunaRoute server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}
	if s.validationMiddleware != nil {
		r.Use(s.validationMiddleware.Middleware)
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	// Mount every configured dialect listener (spec §4.I1/I2).
	s.ingress.Mount(r, s.listeners, s.passthroughTargets)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Tenant-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealthz reports process liveness unconditionally.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleReadyz reports whether the server has a usable ingress pipeline
// wired; callers (load balancers, orchestrators) use this to gate traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ingress == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "ingress pipeline not initialized")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
}

// responseWriter wraps http.ResponseWriter to capture the status code for
// access logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
