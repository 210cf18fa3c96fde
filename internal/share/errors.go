package share

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced by the service. The HTTP layer maps each to a
// status code.
var (
	// ErrNotFound covers unknown tokens, revoked shares and dangling file
	// references alike, so callers cannot tell which tokens ever existed.
	ErrNotFound = errors.New("not found")
	// ErrExpired means the share exists but is past its expiry.
	ErrExpired = errors.New("link expired")
	// ErrLimitReached means the share exhausted its download allowance.
	ErrLimitReached = errors.New("download limit reached")
	// ErrUpstream wraps store and storage provider failures and timeouts.
	ErrUpstream = errors.New("upstream failure")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError rejects malformed input before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
