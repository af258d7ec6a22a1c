package utils

import (
	"errors"
	"net/http"
)

type AppError struct {
	Code    string
	Message string
	Origin  error // Original error that caused this error, if any
}

func (appErr *AppError) Error() string {
	if appErr.Origin != nil {
		return appErr.Message + ": " + appErr.Origin.Error()
	}
	return appErr.Message
}

func (appErr *AppError) Unwrap() error {
	return appErr.Origin
}

// Standard error codes for the application
const (
	// Rejected before any write
	ErrInvalidInput = "INVALID_INPUT"

	// Unknown user, conversation or message
	ErrNotFound = "NOT_FOUND"

	// Attachment store failed; nothing was persisted
	ErrUploadFailed = "UPLOAD_FAILED"

	// A caller-supplied message id was already used for different content
	ErrConflict = "CONFLICT"

	// Durable store unavailable; the operation did not happen
	ErrPersistence = "PERSISTENCE_FAILURE"

	// Authentication errors
	ErrUnauthorized = "UNAUTHORIZED"
	ErrInvalidToken = "INVALID_TOKEN"

	// Actor communication errors
	ErrActorTimeout = "ACTOR_TIMEOUT"
)

// Error creation helper functions
func NewAppError(code string, message string, originalErr error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Origin:  originalErr,
	}
}

func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    ErrInvalidInput,
		Message: message,
	}
}

func NewUserNotFoundError(userID string) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: "User not found: " + userID,
	}
}

func NewConversationNotFoundError(conversationID string) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: "Conversation not found: " + conversationID,
	}
}

func NewPersistenceError(message string, originalErr error) *AppError {
	return &AppError{
		Code:    ErrPersistence,
		Message: message,
		Origin:  originalErr,
	}
}

func NewActorTimeoutError(actorName string, originalErr error) *AppError {
	return &AppError{
		Code:    ErrActorTimeout,
		Message: "Actor communication timeout: " + actorName,
		Origin:  originalErr,
	}
}

// IsErrorCode reports whether err or anything it wraps is an AppError with code.
func IsErrorCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// ErrorCode returns the AppError code carried by err, or ErrPersistence for
// anything unclassified.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrPersistence
}

func IsAuthError(err error) bool {
	return IsErrorCode(err, ErrUnauthorized) || IsErrorCode(err, ErrInvalidToken)
}

// AppErrorToHTTPStatus converts an AppError code to an HTTP status code.
func AppErrorToHTTPStatus(errorCode string) int {
	switch errorCode {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrUploadFailed:
		return http.StatusBadGateway
	case ErrUnauthorized, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrActorTimeout:
		return http.StatusGatewayTimeout
	case ErrPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
