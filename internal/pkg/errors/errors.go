// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Error codes.
const (
	// Input and lookup errors.
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeMalformedInput = "MALFORMED_INPUT"
	CodeConfiguration  = "CONFIGURATION_ERROR"

	// Remote service errors.
	CodeRateLimited = "RATE_LIMITED"
	CodeService     = "SERVICE_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"

	// Everything else.
	CodeInternal = "INTERNAL_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation that produced the error may
// succeed if attempted again later.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ConfigurationError creates an error for missing or invalid configuration.
func ConfigurationError(message string) *AppError {
	return New(CodeConfiguration, message)
}

// MalformedInputError creates an error for an input source that violates its
// expected structure. Line is 1-based; zero omits the line detail.
func MalformedInputError(source string, line int, message string) *AppError {
	err := New(CodeMalformedInput, message).WithDetail("source", source)
	if line > 0 {
		err = err.WithDetail("line", strconv.Itoa(line))
	}
	return err
}

// RateLimitedError creates a rate limited error with retry information.
func RateLimitedError(retryAfterSeconds int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		err = err.WithDetail("retry_after", fmt.Sprintf("%d", retryAfterSeconds))
	}
	return err
}

// ServiceError creates an error for a non-success response from a remote
// service that is not covered by a more specific code.
func ServiceError(status int, message string) *AppError {
	if message == "" {
		message = http.StatusText(status)
	}
	return New(CodeService, message).WithDetail("status", strconv.Itoa(status))
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return New(CodeTimeout, message)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// FromStatus converts a non-success HTTP response into an AppError. The body
// is trimmed and used as the message when present.
func FromStatus(status int, body []byte) *AppError {
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}

	code := codeForStatus(status)
	if code == CodeService {
		return ServiceError(status, message)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return New(code, message).WithDetail("status", strconv.Itoa(status))
}

// codeForStatus returns an error code for common HTTP status codes.
func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return CodeTimeout
	default:
		return CodeService
	}
}

// CodeOf returns the code of the first AppError in err's chain, or the empty
// string when there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsRateLimited checks if error is a rate limited error.
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}

// IsConfiguration checks if error is a configuration error.
func IsConfiguration(err error) bool {
	return CodeOf(err) == CodeConfiguration
}

// IsMalformedInput checks if error is a malformed input error.
func IsMalformedInput(err error) bool {
	return CodeOf(err) == CodeMalformedInput
}

// IsUnavailable checks if error is a transient unavailability error.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}

// IsRetryable reports whether err carries an AppError that may succeed
// if attempted again later.
func IsRetryable(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Retryable()
}
