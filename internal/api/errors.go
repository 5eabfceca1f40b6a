package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/types"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondServiceError maps a categorized error onto the wire. Errors outside
// the taxonomy never leak internals to the client.
func respondServiceError(w http.ResponseWriter, err error) {
	var cerr *apperrors.CategorizedError
	if errors.As(err, &cerr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cerr.StatusCode)
		json.NewEncoder(w).Encode(ErrorResponse{Error: *cerr.ToServiceError()})
		return
	}

	respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
}
