package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the closed taxonomy the HTTP surface maps
// to status codes. Components raise kinds; only internal/api translates them.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindInvalidEvent     Kind = "invalid_event"
	KindRateLimited      Kind = "rate_limited"
	KindNotFound         Kind = "not_found"
	KindStoreUnavailable Kind = "store_unavailable"
	KindCacheUnavailable Kind = "cache_unavailable"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// FieldError describes a single failed validation rule.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the service-wide error value. Details carries structured,
// client-visible context (validation field lists, retry-after seconds).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Fields  []FieldError
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a taxonomy error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a taxonomy error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ValidationError builds an invalid_event error carrying every failed field.
func ValidationError(fields []FieldError) *Error {
	return &Error{
		Kind:    KindInvalidEvent,
		Message: "event validation failed",
		Fields:  fields,
	}
}

// KindOf extracts the taxonomy kind from any error chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
