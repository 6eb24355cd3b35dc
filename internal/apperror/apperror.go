// Package apperror defines the closed error taxonomy returned by every governance operation.
//
// Operations never panic for expected business-rule failures. They return a *Error carrying a
// Code from the set below; unexpected infrastructure faults are wrapped with Internal, and panics
// are converted at the operation boundary by Recover so callers only ever inspect an error value.
package apperror

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Code classifies an error for callers.
type Code string

const (
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeInvitationExists Code = "INVITATION_EXISTS"
	CodeAlreadyMember    Code = "ALREADY_MEMBER"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is the single error type surfaced by governance operations.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying infrastructure error, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code so callers can write errors.Is(err, apperror.ErrNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns a copy of e carrying an additional detail.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinels for errors.Is comparisons. They match any error with the same code.
var (
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
	ErrForbidden        = &Error{Code: CodeForbidden}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrValidation       = &Error{Code: CodeValidation}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists}
	ErrInvitationExists = &Error{Code: CodeInvitationExists}
	ErrAlreadyMember    = &Error{Code: CodeAlreadyMember}
	ErrRateLimited      = &Error{Code: CodeRateLimited}
	ErrInternal         = &Error{Code: CodeInternal}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }
func Forbidden(message string) *Error    { return New(CodeForbidden, message) }
func NotFound(message string) *Error     { return New(CodeNotFound, message) }
func Validation(message string) *Error   { return New(CodeValidation, message) }

// Internal wraps an unexpected failure. The cause is kept for logs but not shown in Message.
func Internal(message string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: message, cause: cause}
}

// From converts any error to *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Recover converts a panic in the calling operation into an internal error. Use as
//
//	defer apperror.Recover(&err)
//
// at the top of every public operation.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("recovered panic in governance operation", "panic", r, "stack", string(debug.Stack()))
	*errp = Internal("unexpected failure", fmt.Errorf("panic: %v", r))
}
