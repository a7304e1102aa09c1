// Package errors provides coded domain errors shared by the session core and
// the transport layer.
package errors

import (
	stderrors "errors"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context for the caller
	Cause    error             // Wrapped underlying error
}

// Sentinels for errors.Is matching by code.
var (
	ErrValidation     = &Error{Code: CodeValidation}
	ErrNeedsRetry     = &Error{Code: CodeNeedsRetry}
	ErrParseExhausted = &Error{Code: CodeParseExhausted}
	ErrPersistence    = &Error{Code: CodePersistence}
	ErrConflict       = &Error{Code: CodeConflict}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrCorrupted      = &Error{Code: CodeCorrupted}
	ErrSessionClosed  = &Error{Code: CodeSessionClosed}
	ErrRoomFull       = &Error{Code: CodeRoomFull}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return string(e.Code) + ": " + e.Cause.Error()
		}
		return string(e.Code)
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the code from err, or CodeUnknown when err carries none.
func GetCode(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
