package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// API-local error codes. Everything else comes from the errors package.
const (
	ErrCodeInvalidBody   = "INVALID_BODY"
	ErrCodeSessionBusy   = "SESSION_RESTORING"
	ErrCodeWalletMissing = "WALLET_UNAVAILABLE"
)

// respondError renders err through the shared error taxonomy.
func respondError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	svcErr := catErr.ToServiceError()
	// internal causes never reach the UI
	svcErr.Message = apperrors.UserMessage(catErr)
	if catErr.Category == apperrors.CategorySystem || catErr.Category == apperrors.CategoryStorage {
		svcErr.Details = nil
	}
	if apperrors.IsRetryable(catErr) {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, apperrors.GetHTTPStatusCode(catErr), ErrorResponse{Error: *svcErr})
}

// respondCode sends an error that has no categorized source.
func respondCode(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{Code: code, Message: message},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
