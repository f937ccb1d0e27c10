// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/slot-claims/backend/internal/engine"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	WriteErrorWithDetails(w, status, errCode, message, nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, errCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// WriteClaimError maps an engine error onto an HTTP response.
func WriteClaimError(w http.ResponseWriter, err error) {
	code := engine.Code(err)

	var status int
	switch code {
	case "slot_required", "invalid_status", ErrBadRequest:
		status = http.StatusBadRequest
	case "slot_already_booked":
		status = http.StatusConflict
	case "slot_expired":
		status = http.StatusGone
	case "slot_not_in_calendar":
		status = http.StatusUnprocessableEntity
	case ErrNotFound:
		status = http.StatusNotFound
	case "transaction_in_flight":
		status = http.StatusTooManyRequests
	default:
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	var ce *engine.ClaimError
	if errors.As(err, &ce) {
		message = ce.Err.Error()
		if code == "slot_already_booked" {
			WriteErrorWithDetails(w, status, code, message, map[string]any{"alternatives": ce.Alternatives})
			return
		}
	}
	if status == http.StatusServiceUnavailable {
		// Backend details stay in the logs.
		message = engine.ErrBackendUnavailable.Error()
	}
	WriteError(w, status, code, message)
}

// ErrorRecovery returns middleware that recovers from panics with a 500.
func ErrorRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path, "stack", string(debug.Stack()))
					WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Common error codes
const (
	ErrNotFound      = "not_found"
	ErrBadRequest    = "bad_request"
	ErrConflict      = "conflict"
	ErrInternalError = "internal_error"
	ErrValidation    = "validation_error"
	ErrUnauthorized  = "unauthorized"
	ErrForbidden     = "forbidden"
	ErrRateLimited   = "rate_limited"
)
