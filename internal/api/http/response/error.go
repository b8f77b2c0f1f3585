package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rezkam/jobqueue/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField describes a field-specific error.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// ValidationError sends a 400 validation error with field details.
func ValidationError(w http.ResponseWriter, details ...ErrorField) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    "VALIDATION_ERROR",
			Message: "validation failed",
			Details: details,
		},
	})
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Conflict sends a 400 state-conflict error (spec §7: state conflicts
// are surfaced as 400 with state-specific text, not 409, since they
// reflect a client trying an operation invalid for the job's current
// status rather than a write-write race).
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "STATE_CONFLICT", message, http.StatusBadRequest)
}

// ServiceUnavailable sends a 503 for Transient-Store errors that
// exhausted their internal retry budget (spec §7).
func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, "SERVICE_UNAVAILABLE", message, http.StatusServiceUnavailable)
}

// InternalError sends a 500 Internal Server Error. Logs the actual
// error server-side but returns a generic message to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// FromDomainError maps the domain error taxonomy (spec §7) to HTTP
// responses.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrCycle):
		ValidationError(w, ErrorField{Field: "depends_on", Issue: "would create a dependency cycle"})
	case errors.Is(err, domain.ErrValidation):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, "job")
	case errors.Is(err, domain.ErrStateConflict):
		Conflict(w, err.Error())
	case errors.Is(err, domain.ErrIdempotencyKeyInUse):
		Conflict(w, err.Error())
	default:
		InternalError(w, r, err)
	}
}
