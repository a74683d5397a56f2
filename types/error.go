package types

import (
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Inference governance error codes.
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrAuthentication   ErrorCode = "AUTHENTICATION"
	ErrRateLimitTimeout ErrorCode = "RATE_LIMIT_TIMEOUT"
	ErrThrottling       ErrorCode = "THROTTLING"
	ErrTooManyRequests  ErrorCode = "TOO_MANY_REQUESTS"
	ErrQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Ledger and dispatch error codes.
const (
	ErrSpendCapExceeded  ErrorCode = "SPEND_CAP_EXCEEDED"
	ErrLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE"
	ErrPublishFailed     ErrorCode = "PUBLISH_FAILED"
	ErrMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`

	// RetryAfter carries a server-requested backoff hint, when one was
	// provided. Zero means no hint.
	RetryAfter time.Duration `json:"-"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// throttleCodes is the fixed allow-list of provider error codes that count
// as throttling. Only these are worth a second retry layer; the transport
// already retries transient network faults.
var throttleCodes = map[ErrorCode]bool{
	ErrThrottling:      true,
	ErrTooManyRequests: true,
	ErrQuotaExceeded:   true,
}

// IsThrottling reports whether err is a classified throttling error.
func IsThrottling(err error) bool {
	return throttleCodes[GetErrorCode(err)]
}
