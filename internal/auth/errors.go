package auth

import "errors"

// Common authentication errors
var (
	// ErrInvalidToken is returned when a callback token fails validation for
	// any reason other than expiry.
	ErrInvalidToken = errors.New("invalid callback token")

	// ErrExpiredToken is returned when a callback token has expired.
	ErrExpiredToken = errors.New("callback token expired")

	// ErrEntryMismatch is returned when a valid token names a different entry
	// than the one being finalized.
	ErrEntryMismatch = errors.New("callback token does not match entry")
)
