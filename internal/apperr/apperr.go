// Package apperr defines the error taxonomy shared by the resilience layer.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies an error so callers can decide between retry, fallback and
// surfacing it to the user.
type Code string

const (
	TransientNetwork  Code = "TRANSIENT_NETWORK"
	PermissionDenied  Code = "PERMISSION_DENIED"
	Validation        Code = "VALIDATION"
	RateLimited       Code = "RATE_LIMITED"
	Gateway           Code = "GATEWAY"
	Storage           Code = "STORAGE"
	NotFound          Code = "NOT_FOUND"
	Forbidden         Code = "FORBIDDEN"
	Timeout           Code = "TIMEOUT"
	Unavailable       Code = "UNAVAILABLE"
	InvalidTransition Code = "INVALID_TRANSITION"
)

// Error carries a Code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error

	// RetryAfter is only set for RateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// RateLimit builds a RateLimited error carrying the retry hint.
func RateLimit(message string, retryAfter time.Duration) *Error {
	return &Error{Code: RateLimited, Message: message, RetryAfter: retryAfter}
}

// Is reports whether any error in err's tree is an *Error with the given code.
// Joined errors are searched on every branch.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return Is(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
