// Package errors defines the error taxonomy shared by the sync engine.
// Operations normalize every failure to one of these codes at their
// boundary; the HTTP layer maps the status, the store keeps the
// user-facing message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodePersistenceError = "PERSISTENCE_ERROR"
	CodeDataIntegrity    = "DATA_INTEGRITY_ERROR"
	CodeNotFound         = "NOT_FOUND"
)

// AppError carries a machine code, a user-facing message, an HTTP
// status for the transport layer, and the wrapped cause.
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// PermissionDenied means the caller is not authorized for the requested
// conversation or order.
func PermissionDenied(message string, err error) *AppError {
	return &AppError{Code: CodePermissionDenied, Message: message, Status: http.StatusForbidden, Err: err}
}

// NotAuthenticated means there is no valid session for the caller.
func NotAuthenticated(message string, err error) *AppError {
	return &AppError{Code: CodeNotAuthenticated, Message: message, Status: http.StatusUnauthorized, Err: err}
}

// ValidationFailed means message content or operation input was rejected.
func ValidationFailed(message string, err error) *AppError {
	return &AppError{Code: CodeValidationFailed, Message: message, Status: http.StatusBadRequest, Err: err}
}

// Persistence wraps a gateway or network failure.
func Persistence(message string, err error) *AppError {
	return &AppError{Code: CodePersistenceError, Message: message, Status: http.StatusBadGateway, Err: err}
}

// DataIntegrity means rows the schema guarantees were missing, e.g. a
// conversation without participants.
func DataIntegrity(message string, err error) *AppError {
	return &AppError{Code: CodeDataIntegrity, Message: message, Status: http.StatusInternalServerError, Err: err}
}

// NotFound means the referenced entity does not exist.
func NotFound(resource string, err error) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource), Status: http.StatusNotFound, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// UserMessage extracts the user-facing message, falling back to a
// generic one for untyped errors so internals never leak to clients.
func UserMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "something went wrong"
}

// Status extracts the HTTP status, defaulting to 500.
func Status(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
