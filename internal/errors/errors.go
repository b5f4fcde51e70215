// Package errors provides standardized error handling for the DOS proxy.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the DOS proxy.
type ErrorCode string

const (
	// Caller errors
	DOS_VALIDATION         ErrorCode = "DOS_VALIDATION"         // Inbound request could not be parsed
	DOS_METHOD_NOT_ALLOWED ErrorCode = "DOS_METHOD_NOT_ALLOWED" // Route exists but not for this method

	// Upstream errors
	DOS_NOT_FOUND        ErrorCode = "DOS_NOT_FOUND"        // indexd has no record for the identifier
	DOS_BAD_REQUEST      ErrorCode = "DOS_BAD_REQUEST"      // indexd rejected a list query
	DOS_MALFORMED_RECORD ErrorCode = "DOS_MALFORMED_RECORD" // indexd record is missing required fields
	DOS_UPSTREAM         ErrorCode = "DOS_UPSTREAM"         // Other upstream failure (swagger source)

	// Server errors
	DOS_INTERNAL ErrorCode = "DOS_INTERNAL" // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"msg"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	HTTPStatus     int       `json:"status_code"`
	UpstreamStatus int       `json:"-"` // Status reported by the upstream, 0 on transport failure
	Cause          error     `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause for errors.Is/As and logging.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.New(DOS_NOT_FOUND, "", "")) matches any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the request correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// From converts any error into an *Error, defaulting to DOS_INTERNAL.
func From(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(DOS_INTERNAL, "internal error", err)
}

// CodeOf returns the code of err, or DOS_INTERNAL when err is not an *Error.
func CodeOf(err error) ErrorCode {
	return From(err).Code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case DOS_VALIDATION, DOS_BAD_REQUEST:
		return http.StatusBadRequest
	case DOS_METHOD_NOT_ALLOWED:
		return http.StatusMethodNotAllowed
	case DOS_NOT_FOUND:
		return http.StatusNotFound
	case DOS_MALFORMED_RECORD, DOS_UPSTREAM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
