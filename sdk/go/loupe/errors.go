// Package loupe provides a Go client for the Loupe code-knowledge query API.
package loupe

import (
	"errors"
	"fmt"
)

// Error represents a request-level error from the Loupe API with the HTTP
// status code and the server's error message. Streaming failures are not
// Errors; they arrive as ErrorEvents through Handlers.OnError.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("loupe: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
