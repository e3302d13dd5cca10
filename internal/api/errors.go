package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Field and Value accompany device failures: the field that failed and
	// the last value the bridge knows for it.
	Field    senseme.Field `json:"field,omitempty"`
	Value    *int          `json:"value,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeOutOfRange   = "out_of_range"
	ErrCodeUnavailable  = "device_unavailable"
	ErrCodeNotAvailable = "state_not_available"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps a bridge error onto the HTTP taxonomy:
// out-of-range input is the client's fault, an unknown or disabled field
// does not exist, and a command that exhausted its retries means the fan
// is unavailable.
func writeBridgeError(w http.ResponseWriter, err error) {
	var cmdErr *senseme.CommandError
	switch {
	case errors.Is(err, senseme.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, ErrCodeOutOfRange, err.Error())
	case errors.Is(err, senseme.ErrUnknownField):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.As(err, &cmdErr):
		value := cmdErr.Value
		writeJSON(w, http.StatusServiceUnavailable, Error{
			Status:   http.StatusServiceUnavailable,
			Code:     ErrCodeUnavailable,
			Message:  err.Error(),
			Field:    cmdErr.Field,
			Value:    &value,
			Attempts: len(cmdErr.Attempts),
		})
	case errors.Is(err, senseme.ErrCommandFailed), errors.Is(err, senseme.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
