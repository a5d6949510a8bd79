package domain

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced at the core boundary.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeQualityThreshold = "QUALITY_THRESHOLD_ERROR"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
)

// ErrCircuitOpen is returned when the circuit breaker rejects without executing.
var ErrCircuitOpen = &CodedError{Code: CodeCircuitOpen, Message: "circuit breaker is open"}

// CodedError is a failure with a stable machine-readable code and optional details.
type CodedError struct {
	Code    string
	Message string
	Details []string
}

func (e *CodedError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%d details)", e.Code, e.Message, len(e.Details))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCodedError builds a CodedError with details.
func NewCodedError(code, message string, details ...string) *CodedError {
	return &CodedError{Code: code, Message: message, Details: details}
}

// RetryExhaustedError wraps the original error after retries give up, so the
// caller can distinguish transient giving-up from permanent rejections.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: operation failed after %d attempts: %v", CodeRetryExhausted, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// ErrorCode extracts the machine code from an error chain, if any.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return CodeRetryExhausted
	}
	return ""
}
