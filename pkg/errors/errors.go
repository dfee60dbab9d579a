// Package errors provides the structured error type used across filetable, with error codes, categories and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for file table operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Resource management errors
	ErrCodeResourceLimitExceeded ErrorCode = "RESOURCE_LIMIT_EXCEEDED"
	ErrCodeOutOfMemory           ErrorCode = "OUT_OF_MEMORY"

	// Security errors
	ErrCodeValidationDenied ErrorCode = "VALIDATION_DENIED"

	// Lifecycle errors
	ErrCodeTeardownStepFailed ErrorCode = "TEARDOWN_STEP_FAILED"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeTableClosed        ErrorCode = "TABLE_CLOSED"
	ErrCodeReadOnly           ErrorCode = "READ_ONLY"
	ErrCodeWriteDenied        ErrorCode = "WRITE_DENIED"

	// Operation errors
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeNotSupported      ErrorCode = "NOT_SUPPORTED"
	ErrCodeWouldBlock        ErrorCode = "WOULD_BLOCK"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategorySecurity      ErrorCategory = "security"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeResourceLimitExceeded, ErrCodeOutOfMemory:
		return CategoryResource
	case ErrCodeValidationDenied:
		return CategorySecurity
	case ErrCodeTeardownStepFailed, ErrCodeInvalidState, ErrCodeTableClosed,
		ErrCodeReadOnly, ErrCodeWriteDenied:
		return CategoryLifecycle
	case ErrCodeInvalidArgument, ErrCodeOperationCanceled, ErrCodeNotSupported, ErrCodeWouldBlock:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Admission and pool exhaustion clear as other holders release their files.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeResourceLimitExceeded, ErrCodeOutOfMemory, ErrCodeWouldBlock:
		return true
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// Clone returns a copy of e with fresh context maps and timestamp, so that a
// package-level sentinel can be decorated without mutating it.
func (e *Error) Clone() *Error {
	c := *e
	c.Timestamp = time.Now()
	c.Details = make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Context = make(map[string]string, len(e.Context))
	for k, v := range e.Context {
		c.Context[k] = v
	}
	return &c
}

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator-facing hint for the error.
func (e *Error) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeResourceLimitExceeded: "The global open-file ceiling was reached. " +
			"Close unused handles or raise table.max_files.",
		ErrCodeOutOfMemory: "The handle pool budget is exhausted. " +
			"Raise pool.limit or release handles.",
		ErrCodeValidationDenied: "The security hook rejected the new handle. " +
			"Check the credentials used to open the resource.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check the configuration file syntax and required parameters.",
		ErrCodeTableClosed: "The file table is shutting down and no longer admits handles.",
	}

	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Please check the error message for details."
}
