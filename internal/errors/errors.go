package errors

import (
	"errors"
	"fmt"
)

// Code represents a typed error code for a distinguishable pipeline outcome.
type Code string

// Pipeline error codes.
const (
	ErrConfigInvalid        Code = "CONFIG_INVALID"
	ErrTelemetryUnavailable Code = "TELEMETRY_UNAVAILABLE"
	ErrWorkloadFailed       Code = "WORKLOAD_FAILED"
	ErrAlreadyExists        Code = "ALREADY_EXISTS"
	ErrSchemaMismatch       Code = "SCHEMA_MISMATCH"
	ErrJobMismatch          Code = "JOB_MISMATCH"
	ErrNoData               Code = "NO_DATA"
	ErrLockTimeout          Code = "LOCK_TIMEOUT"
)

// ProfileError is a typed pipeline error with code, component, and an
// optional wrapped cause. A workload timeout is deliberately not an error:
// it produces a valid, truncated record.
type ProfileError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *ProfileError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ProfileError) Unwrap() error {
	return e.Err
}

// New creates a ProfileError with a formatted message.
func New(code Code, component, format string, args ...any) *ProfileError {
	return &ProfileError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
	}
}

// Wrap creates a ProfileError around a cause.
func Wrap(code Code, component string, err error, format string, args ...any) *ProfileError {
	return &ProfileError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Err:       err,
	}
}

// CodeOf extracts the Code from an error chain, or "" if the chain
// contains no ProfileError.
func CodeOf(err error) Code {
	var pe *ProfileError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
