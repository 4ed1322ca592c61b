package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeConcurrentResume = "CONCURRENT_RESUME"
	ErrCodeUnknown          = "UNKNOWN_ERROR"

	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeResuspend         = "RESUSPEND_NOT_PERMITTED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all finflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *FlowError) WithStage(stage string) *FlowError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first FlowError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// AsFlowError returns err as a *FlowError, wrapping foreign errors with
// the fallback code.
func AsFlowError(err error, fallback string) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallback, err.Error()).WithCause(err)
}
