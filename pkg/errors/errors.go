package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"confsfu/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeIncompatible  ErrorCode = "INCOMPATIBLE"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

var domainCodes = []struct {
	target error
	code   ErrorCode
	status int
}{
	{domain.ErrRoomNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRouterClosed, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrTransportNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrProducerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrConsumerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRoomExists, ErrCodeAlreadyExists, http.StatusConflict},
	{domain.ErrPeerExists, ErrCodeAlreadyExists, http.StatusConflict},
	{domain.ErrTransportConnected, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrTransportNotReady, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrProducerClosed, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrSelfConsume, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrNotInRoom, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrAlreadyInRoom, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrIncompatible, ErrCodeIncompatible, http.StatusUnprocessableEntity},
	{domain.ErrInvalidDtls, ErrCodeInvalidInput, http.StatusBadRequest},
	{context.DeadlineExceeded, ErrCodeTimeout, http.StatusGatewayTimeout},
}

// FromDomain classifies err into an AppError. Errors that are already AppErrors are
// returned unchanged; anything unrecognised becomes INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, dc := range domainCodes {
		if stderrors.Is(err, dc.target) {
			return WrapError(err, dc.code, dc.target.Error(), dc.status)
		}
	}
	return WrapError(err, ErrCodeInternal, err.Error(), http.StatusInternalServerError)
}
