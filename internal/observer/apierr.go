package observer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorKind is the machine-readable error category every non-2xx JSON
// response carries.
type ErrorKind string

const (
	ErrValidation  ErrorKind = "validation"
	ErrAuth        ErrorKind = "auth"
	ErrNotFound    ErrorKind = "not_found"
	ErrConflict    ErrorKind = "conflict"
	ErrDeadState   ErrorKind = "dead_state"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrInternal    ErrorKind = "internal"
)

func (k ErrorKind) status() int {
	switch k {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrDeadState:
		return http.StatusGone
	case ErrRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error   bool      `json:"error"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, kind ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.status())
	json.NewEncoder(w).Encode(errorBody{Error: true, Kind: kind, Message: message})
}

// writeRateLimited adds the Retry-After hint alongside the JSON body.
func writeRateLimited(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, ErrRateLimited, message)
}

func writeInternal(w http.ResponseWriter, context string, err error) {
	slog.Error(context, "error", err)
	writeError(w, ErrInternal, "internal error")
}
