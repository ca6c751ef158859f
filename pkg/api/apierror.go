// Package api is the HTTP boundary: JSON handlers over the run engine, the
// policy engine, the connector guard, the patch pipeline and the integrity
// views. Error responses are {"message": ...} envelopes; conflict responses
// carry both sides of the failed compare (revision or profile hash) so the
// caller can reread and retry.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// WriteError writes the error envelope: the message plus any structured
// extras merged into the same object.
func WriteError(w http.ResponseWriter, status int, message string, extras map[string]any) {
	body := make(map[string]any, len(extras)+1)
	for k, v := range extras {
		body[k] = v
	}
	body["message"] = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, nil)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, message, nil)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, message string, extras map[string]any) {
	if message == "" {
		message = "not authorized"
	}
	WriteError(w, http.StatusForbidden, message, extras)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, nil)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed for this endpoint", nil)
}

// WriteConflict writes a 409 error response. Extras carry the compare that
// failed: expected_revision/current_revision for run writes,
// expected_profile_hash/current_profile_hash for catalog writes.
func WriteConflict(w http.ResponseWriter, message string, extras map[string]any) {
	WriteError(w, http.StatusConflict, message, extras)
}

// WriteTooManyRequests writes a 429 with retry_after_ms in the body and the
// equivalent Retry-After header in whole seconds, rounded up.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterMs int64, extras map[string]any) {
	if retryAfterMs < 1 {
		retryAfterMs = 1
	}
	merged := make(map[string]any, len(extras)+1)
	for k, v := range extras {
		merged[k] = v
	}
	merged["retry_after_ms"] = retryAfterMs
	w.Header().Set("Retry-After", fmt.Sprintf("%d", (retryAfterMs+999)/1000))
	WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", merged)
}

// WriteNotImplemented writes a 501 error response.
func WriteNotImplemented(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotImplemented, message, nil)
}

// WriteUnavailable writes a 503 error response.
func WriteUnavailable(w http.ResponseWriter, message string, extras map[string]any) {
	WriteError(w, http.StatusServiceUnavailable, message, extras)
}

// WriteInternal writes a 500 error response. The error is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "an unexpected error occurred", nil)
}
