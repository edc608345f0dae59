package tools

import (
	"fmt"
	"strings"
)

// ErrorKind classifies tool plane failures across the HTTP boundary.
type ErrorKind string

const (
	KindToolUnknown     ErrorKind = "ToolUnknown"
	KindToolGated       ErrorKind = "ToolGated"
	KindValidationError ErrorKind = "ValidationError"
	KindRateLimited     ErrorKind = "RateLimited"
	KindTimeout         ErrorKind = "Timeout"
	KindOutputTooLarge  ErrorKind = "OutputTooLarge"
	KindExecutionError  ErrorKind = "ExecutionError"
)

// ToolError is the typed failure of a tool plane operation. Details carry
// structured context (violation lists, allowlists) safe to return to the UI;
// raw stacks or stderr never appear here.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`

	// RetryAfter is set in seconds for RateLimited errors.
	RetryAfter int `json:"-"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errUnknown(name string) *ToolError {
	return &ToolError{
		Kind:    KindToolUnknown,
		Message: fmt.Sprintf("tool not registered: %s", name),
	}
}

func errGated(name string, allowed []string) *ToolError {
	return &ToolError{
		Kind:    KindToolGated,
		Message: fmt.Sprintf("tool %s is not allowlisted (allowed: %s)", name, strings.Join(allowed, ", ")),
		Details: map[string]any{"allowlist": allowed},
	}
}

func errValidation(name string, violations []string) *ToolError {
	return &ToolError{
		Kind:    KindValidationError,
		Message: fmt.Sprintf("invalid arguments for %s: %s", name, strings.Join(violations, "; ")),
		Details: map[string]any{"violations": violations},
	}
}

func errRateLimited(retryAfter int) *ToolError {
	return &ToolError{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %ds", retryAfter),
		RetryAfter: retryAfter,
	}
}

func errTimeout(name string, seconds float64) *ToolError {
	return &ToolError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("tool %s exceeded its deadline (%.0fs)", name, seconds),
	}
}

func errOutputTooLarge(name string, size, cap int) *ToolError {
	return &ToolError{
		Kind:    KindOutputTooLarge,
		Message: fmt.Sprintf("tool %s produced %d bytes, cap is %d; result dropped", name, size, cap),
	}
}

func errExecution(name string, err error) *ToolError {
	return &ToolError{
		Kind:    KindExecutionError,
		Message: fmt.Sprintf("tool %s failed: %v", name, err),
	}
}
