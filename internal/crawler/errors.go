package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports bad caller input. It is surfaced immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Category tags an error with its retry-relevant class.
type Category string

// Error categories.
const (
	CategoryFatal            Category = "fatal"
	CategoryRateLimited      Category = "rate_limited"
	CategoryTransient        Category = "transient"
	CategoryAuthFailure      Category = "auth_failure"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryNotFound         Category = "not_found"
	CategoryUnknown          Category = "unknown"
)

// Retryable reports whether errors in this category may be retried.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimited, CategoryTransient, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Aborts reports whether errors in this category end the whole run rather
// than a single item.
func (c Category) Aborts() bool {
	return c == CategoryAuthFailure || c == CategoryPermissionDenied
}

// ClassifiedError is an error tagged with a Category. When produced as the
// final outcome of a client call it also carries the endpoint and attempt count.
type ClassifiedError struct {
	Category   Category
	Err        error
	RetryAfter time.Duration
	Endpoint   string
	Attempts   int
}

func (e *ClassifiedError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s %s after %d attempt(s): %v", e.Endpoint, e.Category, e.Attempts, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the category allows a retry.
func (e *ClassifiedError) Retryable() bool {
	return e.Category.Retryable()
}

// CategoryOf returns the category of err, or CategoryUnknown when unclassified.
func CategoryOf(err error) Category {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnknown
}

// TransportError is the error shape produced by Transport implementations.
type TransportError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport error %d", e.Code)
	}
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Message)
}
