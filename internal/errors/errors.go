package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeCache represents local cache read/write failures
	ErrTypeCache ErrorType = "cache"
	// ErrTypeFetch represents failures resolving metadata or content from the remote source
	ErrTypeFetch ErrorType = "fetch"
	// ErrTypePlayback represents failures handing content to the audio device
	ErrTypePlayback ErrorType = "playback"
	// ErrTypeNetwork represents transport-level errors
	ErrTypeNetwork ErrorType = "network"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// ErrCancelled marks an operation abandoned because a newer one superseded it.
var ErrCancelled = stderrors.New("operation cancelled")

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewCacheError creates a new cache error. Cache errors degrade to a miss.
func NewCacheError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeCache,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewFetchError creates a new fetch error
func NewFetchError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeFetch,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewPlaybackError creates a new playback error
func NewPlaybackError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypePlayback,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeNetwork,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeNotFound,
		Message:   message,
		Retryable: false,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeValidation,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the type of the outermost AppError in the chain
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsCancellation reports whether err stems from a cancelled context or a
// superseded attempt. Such errors are never retried, logged or surfaced.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, ErrCancelled)
}

// IsCacheError checks if an error is a cache error
func IsCacheError(err error) bool {
	return GetErrorType(err) == ErrTypeCache
}

// IsFetchError checks if an error is a fetch error
func IsFetchError(err error) bool {
	return GetErrorType(err) == ErrTypeFetch
}

// IsPlaybackError checks if an error is a playback error
func IsPlaybackError(err error) bool {
	return GetErrorType(err) == ErrTypePlayback
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	return GetErrorType(err) == ErrTypeNetwork
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrTypeNotFound
}
