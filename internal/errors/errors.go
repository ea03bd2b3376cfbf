// Package errors provides the stable error taxonomy of the reports service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a stable, caller-visible error kind.
type ErrorCode string

const (
	// Caller input errors
	RPT_VALIDATION             ErrorCode = "RPT_VALIDATION"             // General validation error
	RPT_BAD_REQUEST            ErrorCode = "RPT_BAD_REQUEST"            // Malformed request
	RPT_INVALID_GEO            ErrorCode = "RPT_INVALID_GEO"            // Coordinate missing half or out of range
	RPT_INVALID_RADIUS         ErrorCode = "RPT_INVALID_RADIUS"         // Search radius not positive
	RPT_ATTACHMENT_TOO_LARGE   ErrorCode = "RPT_ATTACHMENT_TOO_LARGE"   // Attachment above 5 MiB
	RPT_UNSUPPORTED_MEDIA_TYPE ErrorCode = "RPT_UNSUPPORTED_MEDIA_TYPE" // Attachment is not an image
	RPT_INVALID_TRANSITION     ErrorCode = "RPT_INVALID_TRANSITION"     // Status change outside the chain

	// Authentication/Authorization errors
	RPT_UNAUTHENTICATED ErrorCode = "RPT_UNAUTHENTICATED" // No authenticated caller
	RPT_FORBIDDEN       ErrorCode = "RPT_FORBIDDEN"       // Caller may not act on the resource

	// Resource errors
	RPT_NOT_FOUND          ErrorCode = "RPT_NOT_FOUND"          // Report or category not found
	RPT_CATEGORY_NOT_FOUND ErrorCode = "RPT_CATEGORY_NOT_FOUND" // Referenced category does not exist
	RPT_CONFLICT           ErrorCode = "RPT_CONFLICT"           // Idempotency key reused with another body

	// Rate limiting
	RPT_RATE_LIMITED ErrorCode = "RPT_RATE_LIMITED"

	// Server errors
	RPT_STORAGE  ErrorCode = "RPT_STORAGE"  // Blob or persistence collaborator unavailable
	RPT_INTERNAL ErrorCode = "RPT_INTERNAL" // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
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

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	case e.Details != nil:
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelationID returns a copy of e stamped with the request correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, RPT_INTERNAL otherwise.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return RPT_INTERNAL
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether the caller should try again later rather than fix its input.
func Retryable(err error) bool {
	return Is(err, RPT_STORAGE)
}

// HTTPStatusFor maps any error to the HTTP status it should be served with.
func HTTPStatusFor(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case RPT_VALIDATION, RPT_BAD_REQUEST, RPT_INVALID_GEO, RPT_INVALID_RADIUS,
		RPT_ATTACHMENT_TOO_LARGE, RPT_UNSUPPORTED_MEDIA_TYPE, RPT_INVALID_TRANSITION:
		return http.StatusBadRequest
	case RPT_UNAUTHENTICATED:
		return http.StatusUnauthorized
	case RPT_FORBIDDEN:
		return http.StatusForbidden
	case RPT_NOT_FOUND, RPT_CATEGORY_NOT_FOUND:
		return http.StatusNotFound
	case RPT_CONFLICT:
		return http.StatusConflict
	case RPT_RATE_LIMITED:
		return http.StatusTooManyRequests
	case RPT_STORAGE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
