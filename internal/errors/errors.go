package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// EmptyInput indicates the raw change carried no content at all
	EmptyInput ErrorCode = "EMPTY_INPUT"
	// TargetUnresolved indicates no target identifier could be derived
	TargetUnresolved ErrorCode = "TARGET_UNRESOLVED"
	// ParseFailure indicates malformed or ambiguous input (recovered by a lower tier)
	ParseFailure ErrorCode = "PARSE_FAILURE"
	// CollaboratorUnavailable indicates an external collaborator errored or timed out
	CollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	// InvariantViolation indicates a component produced an inconsistent result
	InvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	// Timeout indicates an operation exceeded its deadline
	Timeout ErrorCode = "TIMEOUT"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// AnalysisError is a coded error surfaced by the analysis pipeline.
type AnalysisError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a new AnalysisError
func New(code ErrorCode, message string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Newf creates an AnalysisError without a cause from a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *AnalysisError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *AnalysisError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AnalysisError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AnalysisError) WithDetails(details interface{}) *AnalysisError {
	e.Details = details
	return e
}

// Collaborator wraps a failure of the named collaborator. A missed deadline
// is a Timeout, anything else CollaboratorUnavailable.
func Collaborator(name string, err error) *AnalysisError {
	code := CollaboratorUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = Timeout
	}
	return New(code, name+" failed", err).WithDetails(map[string]interface{}{
		"collaborator": name,
	})
}

// CodeOf returns the code of the first AnalysisError in err's chain, or
// InternalError when there is none.
func CodeOf(err error) ErrorCode {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return InternalError
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsHard reports whether the code must be surfaced to the caller instead of
// degrading into a best-effort result.
func IsHard(code ErrorCode) bool {
	switch code {
	case EmptyInput, TargetUnresolved, InvariantViolation:
		return true
	}
	return false
}
