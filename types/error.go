package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Engine error codes
const (
	ErrCacheTierUnavailable ErrorCode = "CACHE_TIER_UNAVAILABLE"
	ErrAdmissionRejected    ErrorCode = "ADMISSION_REJECTED"
	ErrBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	ErrBackendCallFailed    ErrorCode = "BACKEND_CALL_FAILED"
	ErrBatchNotFound        ErrorCode = "BATCH_NOT_FOUND"
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrBatchTimeout         ErrorCode = "BATCH_TIMEOUT"
	ErrCancelled            ErrorCode = "CANCELLED"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Backend    string    `json:"backend,omitempty"`
	Cause      error     `json:"-"`
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
// HTTPStatus and Retryable are pre-filled from the code's defaults.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: DefaultHTTPStatus(code),
		Retryable:  defaultRetryable(code),
	}
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

// WithBackend sets the backend id.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// AsError 从错误链中提取 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode 判断错误链中是否包含指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// DefaultHTTPStatus 返回错误码对应的默认 HTTP 状态码
func DefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrBatchNotFound:
		return http.StatusNotFound
	case ErrAdmissionRejected:
		return http.StatusTooManyRequests
	case ErrBackendUnavailable, ErrCacheTierUnavailable:
		return http.StatusServiceUnavailable
	case ErrBackendCallFailed:
		return http.StatusBadGateway
	case ErrBatchTimeout:
		return http.StatusGatewayTimeout
	case ErrCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrAdmissionRejected, ErrBackendUnavailable, ErrCacheTierUnavailable:
		return true
	default:
		return false
	}
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewInvalidRequestError 创建请求校验错误（不可重试）
func NewInvalidRequestError(format string, args ...any) *Error {
	return NewError(ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// NewAdmissionRejectedError 创建限流拒绝错误（可稍后重试）
func NewAdmissionRejectedError() *Error {
	return NewError(ErrAdmissionRejected, "generation backend admission rejected by rate limiter")
}

// NewBatchNotFoundError 创建批次不存在错误
func NewBatchNotFoundError(batchID string) *Error {
	return NewError(ErrBatchNotFound, fmt.Sprintf("batch %q not found", batchID))
}
