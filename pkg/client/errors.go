package client

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassUnregisteredKey is reason code 30: the service key is not registered. Fatal.
	ErrorClassUnregisteredKey ErrorClass = "unregistered_key"

	// ErrorClassQuotaDaily is reason code 22, or a refusal by the local daily ledger.
	ErrorClassQuotaDaily ErrorClass = "quota_daily"

	// ErrorClassQuotaSecond is reason code 23: per-second quota exceeded.
	ErrorClassQuotaSecond ErrorClass = "quota_second"

	// ErrorClassUpstream is any other embedded error envelope or non-success result header.
	ErrorClassUpstream ErrorClass = "upstream"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a response body that could not be parsed.
	ErrorClassDecode ErrorClass = "decode"
)

// Upstream reason codes carried in returnReasonCode.
const (
	ReasonUnregisteredKey = "30"
	ReasonQuotaDaily      = "22"
	ReasonQuotaSecond     = "23"
)

// Common errors returned by the client.
var (
	// ErrUnknownSource is returned when no endpoint is configured for a source type.
	ErrUnknownSource = errors.New("unknown source type")

	// ErrMissingServiceKey is returned when an endpoint has no service key.
	ErrMissingServiceKey = errors.New("service key is required")
)

// APIError represents a classified upstream failure.
type APIError struct {
	Class      ErrorClass
	StatusCode int
	ReasonCode string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("RTMS %s error", e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.ReasonCode != "" {
		msg += fmt.Sprintf(" (code %s)", e.ReasonCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err, or "" when err is not an *APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// IsFatal reports whether err must abort the source instead of being retried.
func IsFatal(err error) bool {
	return ClassOf(err) == ErrorClassUnregisteredKey
}

// IsRetryable reports whether a failed fetch may be attempted again in a later round.
// Every classified failure except an unregistered key is retryable; cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) && ClassOf(err) == "" {
		return false
	}
	return !IsFatal(err)
}

// classifyReason maps an embedded returnReasonCode to an ErrorClass.
func classifyReason(code string) ErrorClass {
	switch code {
	case ReasonUnregisteredKey:
		return ErrorClassUnregisteredKey
	case ReasonQuotaDaily:
		return ErrorClassQuotaDaily
	case ReasonQuotaSecond:
		return ErrorClassQuotaSecond
	default:
		return ErrorClassUpstream
	}
}

// classifyStatus maps a non-2xx HTTP status to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 500:
		return ErrorClassServer
	case status == 429:
		return ErrorClassQuotaSecond
	default:
		return ErrorClassClient
	}
}
