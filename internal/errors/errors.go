// Package errors provides the coded error type used across the service.
// Every error carries a Code (coarse category used for HTTP status mapping)
// and a Kind (machine-readable identifier returned to API clients).
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a coarse error category.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
	CodeUnavailable  Code = "unavailable"
)

// Machine-readable error kinds surfaced in API responses.
const (
	KindAlreadyRunning     = "ALREADY_RUNNING"
	KindUnknownTemplate    = "UNKNOWN_TEMPLATE"
	KindNotAuthorized      = "NOT_AUTHORIZED"
	KindInstanceNotRunning = "INSTANCE_NOT_RUNNING"
	KindNotAssigned        = "NOT_ASSIGNED"
	KindNotFound           = "NOT_FOUND"
	KindAlreadyDecided     = "ALREADY_DECIDED"
	KindTemplateExists     = "TEMPLATE_EXISTS"
	KindStepNotActive      = "STEP_NOT_ACTIVE"
	KindInvalidInput       = "INVALID_INPUT"
	KindStorage            = "STORAGE"
	KindInternal           = "INTERNAL"
)

// Error is the service-wide error type.
type Error struct {
	Code    Code
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and kind.
func New(code Code, kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap annotates an underlying error with a code and message.
// The kind defaults to STORAGE for unavailable errors and INTERNAL otherwise.
func Wrap(err error, code Code, message string) *Error {
	kind := KindInternal
	if code == CodeUnavailable {
		kind = KindStorage
	}
	return &Error{Code: code, Kind: kind, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Kind:    KindInvalidInput,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

// Storage reports a repository or audit-log failure. The operation must not
// be treated as applied.
func Storage(err error, message string) *Error {
	return &Error{Code: CodeUnavailable, Kind: KindStorage, Message: message, Err: err}
}

// CodeOf extracts the Code from an error, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// KindOf extracts the Kind from an error, defaulting to INTERNAL.
func KindOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}
