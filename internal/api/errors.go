package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/process-runner/internal/process"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Runner  string `json:"runner,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
	ErrCodeSpawnFailed = "spawn_failed"
	ErrCodeIOFault     = "io_fault"
)

// engineErrors maps engine sentinels onto responses, first match wins.
// Anything else is a 500.
var engineErrors = []struct {
	target error
	status int
	code   string
}{
	{process.ErrDisposed, http.StatusConflict, ErrCodeConflict},
	{process.ErrSpawnFailed, http.StatusBadGateway, ErrCodeSpawnFailed},
	{process.ErrIOFault, http.StatusConflict, ErrCodeIOFault},
	{process.ErrInvalidMessage, http.StatusBadRequest, ErrCodeBadRequest},
}

// engineError builds the response for an error returned by a runner command.
func engineError(runner string, err error) Error {
	for _, m := range engineErrors {
		if errors.Is(err, m.target) {
			return Error{Status: m.status, Code: m.code, Message: err.Error(), Runner: runner}
		}
	}
	return Error{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: err.Error(), Runner: runner}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // Client may have gone
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
