package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Action and request validation
	CodeValidation      Code = "VALIDATION"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Keeper output
	CodeNeedsRetry     Code = "NEEDS_RETRY"
	CodeParseExhausted Code = "PARSE_EXHAUSTED"

	// Storage
	CodePersistence Code = "PERSISTENCE"
	CodeConflict    Code = "CONFLICT"
	CodeNotFound    Code = "NOT_FOUND"
	CodeCorrupted   Code = "CORRUPTED"

	// Session lifecycle
	CodeSessionClosed Code = "SESSION_CLOSED"
	CodeRoomFull      Code = "ROOM_FULL"
)

// HTTPStatus maps a code to the status the transport layer should answer with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeRoomFull:
		return http.StatusConflict
	case CodeNeedsRetry, CodeParseExhausted:
		return http.StatusBadGateway
	case CodePersistence, CodeSessionClosed:
		return http.StatusServiceUnavailable
	case CodeCorrupted:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
