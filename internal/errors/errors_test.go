package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Type:    ErrTypeFetch,
				Message: "song metadata unavailable",
			},
			expected: "fetch: song metadata unavailable",
		},
		{
			name: "error with cause",
			err: &AppError{
				Type:    ErrTypeNetwork,
				Message: "connection failed",
				Cause:   fmt.Errorf("dial tcp: timeout"),
			},
			expected: "network: connection failed (caused by: dial tcp: timeout)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := NewCacheError("read failed", cause)

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		wantType  ErrorType
		retryable bool
	}{
		{"cache", NewCacheError("x", nil), ErrTypeCache, false},
		{"fetch", NewFetchError("x", nil), ErrTypeFetch, true},
		{"playback", NewPlaybackError("x", nil), ErrTypePlayback, true},
		{"network", NewNetworkError("x", nil), ErrTypeNetwork, true},
		{"not found", NewNotFoundError("x"), ErrTypeNotFound, false},
		{"validation", NewValidationError("x"), ErrTypeValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.wantType)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestGetErrorType_Wrapped(t *testing.T) {
	err := fmt.Errorf("resolve song 42: %w", NewFetchError("metadata", nil))

	if got := GetErrorType(err); got != ErrTypeFetch {
		t.Errorf("GetErrorType() = %v, want %v", got, ErrTypeFetch)
	}
	if !IsFetchError(err) {
		t.Error("IsFetchError() = false for wrapped fetch error")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for wrapped fetch error")
	}
	if GetErrorType(fmt.Errorf("plain")) != ErrTypeUnknown {
		t.Error("plain errors should classify as unknown")
	}
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, true},
		{"wrapped canceled", fmt.Errorf("download: %w", context.Canceled), true},
		{"superseded", ErrCancelled, true},
		{"inside app error", NewFetchError("cover", context.Canceled), true},
		{"deadline", context.DeadlineExceeded, false},
		{"playback", NewPlaybackError("device", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancellation(tt.err); got != tt.want {
				t.Errorf("IsCancellation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTypePredicates(t *testing.T) {
	if !IsCacheError(NewCacheError("x", nil)) {
		t.Error("IsCacheError failed")
	}
	if !IsPlaybackError(NewPlaybackError("x", nil)) {
		t.Error("IsPlaybackError failed")
	}
	if !IsNetworkError(NewNetworkError("x", nil)) {
		t.Error("IsNetworkError failed")
	}
	if !IsNotFoundError(NewNotFoundError("x")) {
		t.Error("IsNotFoundError failed")
	}
	if IsCacheError(NewFetchError("x", nil)) {
		t.Error("fetch error classified as cache error")
	}
}
