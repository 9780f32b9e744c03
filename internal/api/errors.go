// Package api provides the HTTP handlers for webhook intake and health probes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/giggatek/reconciler/internal/middleware"
)

// Error codes returned in the "code" field of error responses.
const (
	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeUnknownProvider indicates a webhook for a provider that is not configured.
	ErrCodeUnknownProvider = "unknown_provider"

	// ErrCodeInvalidSignature indicates the delivery failed authentication.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeInvalidPayload indicates missing headers or an unparseable body.
	ErrCodeInvalidPayload = "invalid_payload"

	// ErrCodePayloadTooLarge indicates the body exceeded the intake limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeInvalidMetadata indicates reconciliation metadata that cannot be parsed.
	ErrCodeInvalidMetadata = "invalid_metadata"

	// ErrCodeReconciliationFailed indicates the transition rolled back.
	ErrCodeReconciliationFailed = "reconciliation_failed"

	// ErrCodeMethodNotAllowed indicates the HTTP method is not supported.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse is the body of every error response:
// {"error": "human readable message", "code": "machine_code"}
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError writes a JSON error response and records code in the request
// state so the logging middleware can report it.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: message, Code: code})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status code used for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeInvalidPayload, ErrCodeInvalidMetadata:
		return http.StatusBadRequest
	case ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
