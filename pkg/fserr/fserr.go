// Package fserr defines the structured errors surfaced by the control plane's
// virtual-path operations.
package fserr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for the path surface.
type Code string

const (
	// CodeNotFound covers unknown paths and missing sessions, execs, or providers.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied covers unsupported operations on a path, including
	// every mkdir/remove/rename on the synthetic namespace.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeInvalidPath covers malformed, oversized, or unsafe encoded file paths.
	CodeInvalidPath Code = "INVALID_PATH"
	// CodeBudgetExceeded means a reservation would violate a window limit.
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"

	CodePolicyViolation Code = "POLICY_VIOLATION"
	CodeProviderFailure Code = "PROVIDER_FAILURE"
	CodeAccountFailure  Code = "ACCOUNT_FAILURE"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeInternal        Code = "INTERNAL"
)

// Error is a structured control-plane error.
type Error struct {
	Code       Code
	Message    string
	Underlying error
	Context    map[string]any
}

// New creates a new structured error.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message. Returns nil for nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
	}
}

// Wrapf wraps an existing error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithContext adds a context key-value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == code
}

// GetCode extracts the code from an error, defaulting to CodeInternal.
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return CodeInternal
	}
	return fe.Code
}
