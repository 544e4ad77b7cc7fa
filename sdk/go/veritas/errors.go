// Package veritas provides a Go client for the VERITAS decision gateway API.
package veritas

import (
	"errors"
	"fmt"
)

// Error represents an error from the VERITAS API with the HTTP status code
// and the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("veritas: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
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

// IsTrustLogUnavailable returns true when a decision ran but could not be
// sealed to the trust log. The error's Details carry request_id,
// decision_status, and rejection_reason; callers must treat the outcome
// as hold.
func IsTrustLogUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "TRUST_LOG_UNAVAILABLE"
	}
	return false
}
