package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"huddle/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeCapabilityMismatch ErrorCode = "CAPABILITY_MISMATCH"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeResourceExhausted  ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeTransportState     ErrorCode = "TRANSPORT_STATE"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
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

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
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

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewPermissionDeniedError(message string) *AppError {
	return NewAppError(ErrCodePermissionDenied, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewResourceExhaustedError(message string) *AppError {
	return NewAppError(ErrCodeResourceExhausted, message, http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
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
	err    error
	code   ErrorCode
	status int
}{
	{domain.ErrRoomNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRouterNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrTransportNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrProducerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrConsumerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrCallNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrParticipantNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrPresenceNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrUserNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrCannotConsume, ErrCodeCapabilityMismatch, http.StatusUnprocessableEntity},
	{domain.ErrCapabilityMismatch, ErrCodeCapabilityMismatch, http.StatusUnprocessableEntity},
	{domain.ErrNotCallInitiator, ErrCodePermissionDenied, http.StatusForbidden},
	{domain.ErrNotResourceOwner, ErrCodePermissionDenied, http.StatusForbidden},
	{domain.ErrNoWorkersAvailable, ErrCodeResourceExhausted, http.StatusServiceUnavailable},
	{domain.ErrWorkerClosed, ErrCodeResourceExhausted, http.StatusServiceUnavailable},
	{domain.ErrTransportClosed, ErrCodeTransportState, http.StatusConflict},
	{domain.ErrInvalidTransportDirection, ErrCodeTransportState, http.StatusConflict},
	{domain.ErrCallNotActive, ErrCodeInvalidInput, http.StatusConflict},
	{domain.ErrInvalidStatus, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidMediaKind, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidRtpCodecs, ErrCodeInvalidInput, http.StatusBadRequest},
}

// FromDomain classifies err into the client-visible taxonomy.
// Errors that are already AppErrors pass through; anything unknown becomes INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, dc := range domainCodes {
		if stderrors.Is(err, dc.err) {
			return WrapError(err, dc.code, dc.err.Error(), dc.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsNotFound reports whether err belongs to the NotFound class.
func IsNotFound(err error) bool {
	appErr := FromDomain(err)
	return appErr != nil && (appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeCapabilityMismatch)
}
