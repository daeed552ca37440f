// Package apierr defines the error kinds the allocation engine and rate
// limiter surface, per spec.md §7. Handlers map each kind to exactly one
// transport status code at the boundary; nothing below the handler layer
// inspects HTTP concerns.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from spec.md §7.
type Kind string

const (
	KindBadRequest Kind = "bad_request"
	KindRateLimited Kind = "rate_limited"
	KindOverloaded  Kind = "overloaded"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind and, for
// bad_request, a list of per-field validation failures.
type Error struct {
	Kind   Kind
	Fields []FieldError
	cause  error
}

// FieldError names one validation failure, per spec.md §6's error body shape.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Overloaded builds the overloaded error kind (spec.md §4.3 step 2-3).
func Overloaded(cause error) *Error {
	return &Error{Kind: KindOverloaded, cause: cause}
}

// NotFound builds the not_found error kind (spec.md §4.3 free()).
func NotFound(cause error) *Error {
	return &Error{Kind: KindNotFound, cause: cause}
}

// BadRequest builds the bad_request error kind carrying validation failures.
func BadRequest(fields ...FieldError) *Error {
	return &Error{Kind: KindBadRequest, Fields: fields}
}

// Internal builds the internal error kind, wrapping a lower-level cause
// that must not be reflected verbatim to callers.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
