package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/dispatch-api/internal/auth"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized

	case errors.Is(err, auth.ErrEntryMismatch):
		return http.StatusForbidden

	// Not found errors
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	// Conflict errors
	case store.IsDuplicateError(err),
		errors.Is(err, queue.ErrNotAwaitingCallback):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message based
// on the error type, never the raw internal error string.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case errors.Is(err, auth.ErrExpiredToken):
		return "Callback token expired"

	case errors.Is(err, auth.ErrInvalidToken):
		return "Invalid callback token"

	case errors.Is(err, auth.ErrEntryMismatch):
		return "Callback token does not authorize this entry"

	case errors.Is(err, store.ErrEntryNotFound):
		return "Queue entry not found"

	case errors.Is(err, store.ErrBatchNotFound):
		return "Batch not found"

	case store.IsNotFoundError(err):
		return "Record not found"

	case errors.Is(err, store.ErrUniqueKeyExists):
		return "An entry with this unique key already exists"

	case errors.Is(err, queue.ErrNotAwaitingCallback):
		return "Entry is not awaiting a callback"

	case errors.Is(err, store.ErrInvalidRecord):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
