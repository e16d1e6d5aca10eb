package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized covers missing, invalid or expired tokens, inactive
	// accounts and missing or unknown API keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates an authenticated principal lacking a role or permission.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited indicates the client exceeded its request window.
	ErrRateLimited = errors.New("too many requests")
	// ErrAuditFailure is internal only and never reaches a caller.
	ErrAuditFailure = errors.New("audit failure")
	// ErrValidation indicates malformed request input.
	ErrValidation = errors.New("validation failed")
)

// RateLimitError reports an exceeded rule. It matches ErrRateLimited.
type RateLimitError struct {
	Rule   string
	Max    int
	Window time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit of %d per %s", ErrRateLimited, e.Rule, e.Max, e.Window)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter is the whole number of seconds a client should wait, at least one.
func (e *RateLimitError) RetryAfter() int {
	secs := int((e.Window + time.Second - 1) / time.Second)
	return max(secs, 1)
}
