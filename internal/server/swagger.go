package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
)

// setupSwaggerRoutes sets up Swagger UI routes for API documentation
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	// Serve OpenAPI spec
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods("GET")

	// Serve Swagger UI
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods("GET")
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods("GET")
	r.HandleFunc("/docs/{path:.*}", s.handleSwaggerUI).Methods("GET")
}

// handleOpenAPISpec serves the OpenAPI specification. The .yaml endpoint
// serves docs/openapi.yaml from disk unchanged; the .json endpoint loads and
// validates it through kin-openapi, so a spec that fails to load or validate
// fails that request instead of serving invalid JSON.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	specPath := filepath.Join("docs", "openapi.yaml")
	isJSON := strings.HasSuffix(r.URL.Path, ".json")

	if !isJSON {
		w.Header().Set("Content-Type", "text/yaml")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		http.ServeFile(w, r, specPath)
		return
	}

	doc, err := openapi3.NewLoader().LoadFromFile(specPath)
	if err != nil {
		http.Error(w, "OpenAPI spec not found", http.StatusNotFound)
		return
	}
	if err := doc.Validate(r.Context()); err != nil {
		s.logger.WithError(err).Warn("openapi spec failed validation")
		http.Error(w, "OpenAPI spec is invalid", http.StatusInternalServerError)
		return
	}

	jsonData, err := doc.MarshalJSON()
	if err != nil {
		http.Error(w, "error converting spec to JSON", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(jsonData)
}

// handleSwaggerUI serves the Swagger UI interface
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/docs")

	if path == "" || path == "/" {
		s.serveSwaggerIndex(w, r)
		return
	}

	s.serveSwaggerIndex(w, r)
}

// serveSwaggerIndex serves the main Swagger UI HTML page
func (s *Server) serveSwaggerIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	baseURL := getBaseURL(r)
	specURL := fmt.Sprintf("%s/docs/openapi.yaml", baseURL)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>LunaRoute - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        html { box-sizing: border-box; overflow-y: scroll; }
        *, *:before, *:after { box-sizing: inherit; }
        body { margin:0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
        .custom-header { background: #1f2937; color: white; padding: 1rem 2rem; margin-bottom: 2rem; }
        .custom-header h1 { margin: 0; font-size: 1.5rem; }
        .custom-header p { margin: 0.5rem 0 0 0; opacity: 0.8; }
    </style>
</head>
<body>
    <div class="custom-header">
        <h1>LunaRoute API Documentation</h1>
        <p>Intelligent routing, dialect translation, and session recording for LLM APIs</p>
    </div>
    <div id="swagger-ui"></div>

    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-standalone-preset.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
                plugins: [SwaggerUIBundle.plugins.DownloadUrl],
                layout: "StandaloneLayout",
                docExpansion: "list",
                filter: true,
            });
        };
    </script>
</body>
</html>`, specURL)

	w.Write([]byte(html))
}

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
