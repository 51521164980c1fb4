package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/erans/lunaroute/internal/model"
	"github.com/erans/lunaroute/internal/routing"
)

// apiError is the JSON body LunaRoute returns on every ingress failure,
// shaped like the dialects' own error envelopes so a client-side SDK that
// expects {"error": {...}} doesn't choke on an unfamiliar body even when the
// failure happened before a provider was ever reached.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// statusFor maps a pipeline failure onto an HTTP status per spec §4.I1's
// decode/dispatch error table: 400 for malformed/unsupported requests, 401
// for a missing/invalid tenant, 404 for no matching route, 502 for an
// exhausted cascade, 500 otherwise. No failure maps to 429: an exhausted
// cascade is 502 whether its candidates were rate-limited or failed.
func statusFor(err error) (int, string) {
	var fieldErr *model.FieldError
	var unsupportedErr *model.UnsupportedFeatureError
	var noRouteErr *routing.NoRouteError
	var tableNoRoute *routing.ErrNoRoute

	switch {
	case errors.As(err, &fieldErr), errors.As(err, &unsupportedErr):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errTenantRequired):
		return http.StatusUnauthorized, "authentication_error"
	case errors.As(err, &noRouteErr), errors.As(err, &tableNoRoute):
		return http.StatusNotFound, "not_found_error"
	case strings.Contains(err.Error(), "exhausted"):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var body apiError
	body.Error.Message = message
	body.Error.Type = errType
	_ = json.NewEncoder(w).Encode(body)
}

var errTenantRequired = errors.New("ingress: tenant required")
