package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	// ErrorTypeNotFound means the upstream says the resource does not exist
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTransientNetwork is a connection reset or a 5xx carrying a reset signature
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	// ErrorTypeNetwork covers timeouts, refused dials and other transport failures
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeUpstream  ErrorType = "upstream"
	ErrorTypeRenewal   ErrorType = "renewal"
	ErrorTypeExhausted ErrorType = "exhausted_retries"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeParsing   ErrorType = "parsing"
	ErrorTypeInvalid   ErrorType = "invalid_request"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error is a typed failure carrying an optional HTTP status and cause
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Type, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound builds a not-found error for a locator
func NotFound(locator string) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: locator, Code: 404}
}

// Transient builds a reset-class failure; code is 0 for transport errors
func Transient(code int, err error) *Error {
	return &Error{Type: ErrorTypeTransientNetwork, Message: "connection reset", Code: code, Err: err}
}

// Network wraps a non-reset transport failure
func Network(err error) *Error {
	return &Error{Type: ErrorTypeNetwork, Err: err}
}

// Upstream carries a non-success status and the upstream body as detail
func Upstream(code int, detail string) *Error {
	return &Error{Type: ErrorTypeUpstream, Message: detail, Code: code}
}

// Renewal wraps a failed circuit renewal for an identity
func Renewal(identity string, err error) *Error {
	return &Error{Type: ErrorTypeRenewal, Message: identity, Err: err}
}

// Exhausted wraps the last observed error once every attempt has failed
func Exhausted(attempts int, last error) *Error {
	return &Error{Type: ErrorTypeExhausted, Message: fmt.Sprintf("%d attempts failed", attempts), Err: last}
}

// New builds an error of any type
func New(t ErrorType, code int, msg string) *Error {
	return &Error{Type: t, Message: msg, Code: code}
}

// TypeOf returns the type of the outermost *Error in err's chain
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// HasType reports whether any *Error in err's chain has type t.
// An exhausted error whose last cause was a 404 still reports NotFound.
func HasType(err error, t ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Err
	}
	return false
}

func IsNotFound(err error) bool  { return HasType(err, ErrorTypeNotFound) }
func IsTransient(err error) bool { return HasType(err, ErrorTypeTransientNetwork) }

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientNetwork, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code from the site API is worth retrying
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0, 429:
		return true
	case 401, 403, 404:
		return false
	default:
		return statusCode >= 500
	}
}
