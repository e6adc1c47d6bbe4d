package jobs

import (
	"errors"
	"fmt"
)

// ErrorCode is the client-visible error taxonomy. Every internal failure is
// classified into exactly one code before it reaches a job record, a terminal
// event, or an HTTP response.
type ErrorCode string

const (
	CodeInvalidArgument            ErrorCode = "InvalidArgument"
	CodeNotFound                   ErrorCode = "NotFound"
	CodeInvalidState               ErrorCode = "InvalidState"
	CodeOverloaded                 ErrorCode = "Overloaded"
	CodeFetchFailed                ErrorCode = "FetchFailed"
	CodeInvalidPackage             ErrorCode = "InvalidPackage"
	CodeDependencyResolutionFailed ErrorCode = "DependencyResolutionFailed"
	CodePackagingFailed            ErrorCode = "PackagingFailed"
	CodeInternalError              ErrorCode = "InternalError"
)

// Error carries a taxonomy code and a short user-safe message. Raw tool
// output never lands in Message; it travels as log events instead.
type Error struct {
	Code    ErrorCode
	Message string
	// Transient marks failures the worker may retry (connection resets
	// during fetch, 5xx from the wheel mirror). Non-transient codes are
	// terminal on first occurrence.
	Transient bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a classified error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is kept for logs and
// errors.Is/As chains; only Message is user-visible.
func Wrap(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Retryable marks e transient and returns it, for use at construction sites.
func (e *Error) Retryable() *Error {
	e.Transient = true
	return e
}

// CodeOf extracts the taxonomy code from any error, defaulting to
// InternalError for unclassified failures.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// MessageOf extracts the user-safe message from any error. Unclassified
// errors yield a generic message so internals do not leak to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsTransient reports whether the worker may retry after err.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
