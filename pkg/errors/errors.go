package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of domain failure. Services return coded errors so
// the transport layer can translate them without inspecting error strings.
type Code string

const (
	CodeInvalidBloodType     Code = "invalid_blood_type"
	CodeInvalidComponent     Code = "invalid_component"
	CodeInvalidRequest       Code = "invalid_request"
	CodeConflict             Code = "conflict"
	CodeNegativeInventory    Code = "negative_inventory"
	CodeReferentialViolation Code = "referential_violation"
	CodeNotFound             Code = "not_found"
	CodeTimeout              Code = "timeout"
	CodeInternal             Code = "internal"
)

// Error carries a machine-readable code alongside a human-readable message.
// It optionally wraps an underlying cause for errors.Is/As chains.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ToHTTPStatus maps domain codes onto HTTP statuses for the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidBloodType, CodeInvalidComponent, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeConflict, CodeNegativeInventory:
		return http.StatusConflict
	case CodeReferentialViolation:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
