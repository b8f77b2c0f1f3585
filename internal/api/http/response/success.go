// Package response is the HTTP response envelope shared by every
// handler, adapted from the teacher's internal/http/response package
// (OK/Created/NoContent, the ErrorResponse{Error ErrorDetail} shape,
// and FromDomainError's errors.Is-based dispatch).
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// OK sends a 200 OK response with JSON data.
func OK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode success response", "error", err)
	}
}

// Created sends a 201 Created response with JSON data.
func Created(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode created response", "error", err)
	}
}

// NoContent sends a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
