// Package apperr defines the error taxonomy shared by the auth core.
// Every component maps its downstream failures into one of these codes
// before returning to a caller, so the HTTP edge never sees raw storage
// or crypto errors.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeDuplicate          Code = "DUPLICATE"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeLocked             Code = "LOCKED"
	CodeInvalidSession     Code = "INVALID_SESSION"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeExpired            Code = "EXPIRED"
	CodeMismatch           Code = "MISMATCH"
	CodeTransient          Code = "TRANSIENT"
	CodeInternal           Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	// RetryAfter is set only for LOCKED and TRANSIENT errors.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func Duplicate(message string) *Error {
	return &Error{Code: CodeDuplicate, Message: message}
}

// InvalidCredentials is deliberately generic: login failures never
// reveal whether the email or the password was wrong.
func InvalidCredentials() *Error {
	return &Error{Code: CodeInvalidCredentials, Message: "invalid email or password"}
}

func Locked(retryAfter time.Duration) *Error {
	return &Error{Code: CodeLocked, Message: "account temporarily locked", RetryAfter: retryAfter}
}

func InvalidSession() *Error {
	return &Error{Code: CodeInvalidSession, Message: "session is invalid or expired"}
}

func Unauthenticated(message string) *Error {
	return &Error{Code: CodeUnauthenticated, Message: message}
}

func Expired(message string) *Error {
	return &Error{Code: CodeExpired, Message: message}
}

func Mismatch(message string) *Error {
	return &Error{Code: CodeMismatch, Message: message}
}

func Transient(message string, cause error) *Error {
	return &Error{Code: CodeTransient, Message: message, RetryAfter: time.Second, cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

// CodeOf extracts the taxonomy code from err, or INTERNAL when err is
// not part of the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError returns the taxonomy error inside err, wrapping foreign
// errors as INTERNAL so the edge always has a code to map.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
