// Package api provides HTTP handlers for the deskpilot API.
package api

import (
	"encoding/json"
	"net"
	"net/http"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeEmptyInstruction   = "empty_instruction"
	CodeSessionNotFound    = "session_not_found"
	CodeUnacknowledgedRisk = "unacknowledged_risk"
	CodeSessionBusy        = "session_busy"
	CodeSessionClosed      = "session_closed"
	CodeShuttingDown       = "shutting_down"
	CodeRateLimited        = "rate_limited"
	CodeProvisioning       = "provisioning_in_progress"
	CodeInternal           = "internal_error"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Error: message, Code: code})
}

// clientIP returns the remote host without its port. chi's RealIP middleware
// has already replaced RemoteAddr when a proxy header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
