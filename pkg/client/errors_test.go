package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "embedded envelope",
			apiError: &APIError{
				Class:      ErrorClassQuotaDaily,
				StatusCode: 200,
				ReasonCode: "22",
				Message:    "SERVICE ERROR: LIMITED_NUMBER_OF_SERVICE_REQUESTS_EXCEEDS_ERROR",
			},
			expected: "RTMS quota_daily error (status 200) (code 22): SERVICE ERROR: LIMITED_NUMBER_OF_SERVICE_REQUESTS_EXCEEDS_ERROR",
		},
		{
			name: "wrapped network error",
			apiError: &APIError{
				Class:   ErrorClassNetwork,
				Message: "request failed",
				Err:     errors.New("connection reset"),
			},
			expected: "RTMS network error: request failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.apiError.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := fmt.Errorf("page 2: %w", &APIError{Class: ErrorClassNetwork, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("errors.As should find *APIError")
	}
	if apiErr.Class != ErrorClassNetwork {
		t.Errorf("Class = %q, want network", apiErr.Class)
	}
}

func TestIsFatalAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		retryable bool
	}{
		{"unregistered key", &APIError{Class: ErrorClassUnregisteredKey}, true, false},
		{"daily quota", &APIError{Class: ErrorClassQuotaDaily}, false, true},
		{"per-second quota", &APIError{Class: ErrorClassQuotaSecond}, false, true},
		{"upstream", &APIError{Class: ErrorClassUpstream}, false, true},
		{"server", &APIError{Class: ErrorClassServer}, false, true},
		{"client", &APIError{Class: ErrorClassClient}, false, true},
		{"network", &APIError{Class: ErrorClassNetwork}, false, true},
		{"decode", &APIError{Class: ErrorClassDecode}, false, true},
		{"wrapped fatal", fmt.Errorf("page 1: %w", &APIError{Class: ErrorClassUnregisteredKey}), true, false},
		{"plain error", errors.New("boom"), false, true},
		{"cancelled", fmt.Errorf("request page 1: %w", context.Canceled), false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		code     string
		expected ErrorClass
	}{
		{"30", ErrorClassUnregisteredKey},
		{"22", ErrorClassQuotaDaily},
		{"23", ErrorClassQuotaSecond},
		{"99", ErrorClassUpstream},
		{"", ErrorClassUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := classifyReason(tt.code); got != tt.expected {
				t.Errorf("classifyReason(%q) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassQuotaSecond},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}
