package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/focusqueue/internal/analysis"
	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/queue"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, queue.ErrDuplicateItem):
		return http.StatusConflict

	case errors.Is(err, queue.ErrItemNotFound):
		return http.StatusNotFound

	case errors.Is(err, queue.ErrMaxRetriesExceeded):
		return http.StatusConflict

	case errors.Is(err, breaker.ErrCircuitOpen),
		errors.Is(err, analysis.ErrTimeout):
		return http.StatusServiceUnavailable

	case errors.Is(err, errValidation):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, queue.ErrDuplicateItem):
		return "An item with this payload is already queued"

	case errors.Is(err, queue.ErrItemNotFound):
		return "Item not found"

	case errors.Is(err, queue.ErrMaxRetriesExceeded):
		return "Item has exhausted its retries"

	case errors.Is(err, breaker.ErrCircuitOpen):
		return "Analysis is temporarily unavailable"

	case errors.Is(err, analysis.ErrTimeout):
		return "Analysis timed out"

	case errors.Is(err, errValidation):
		return err.Error()

	default:
		return "An unexpected error occurred"
	}
}

// errValidation marks request validation failures so they map to 400.
var errValidation = errors.New("invalid request")
