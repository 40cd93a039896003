// Package errors provides the error taxonomy for the request router.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoAccounts is returned when a provider has zero enabled accounts.
// It is terminal: the router surfaces it immediately without retrying.
var ErrNoAccounts = errors.New("no accounts configured")

// RateLimitReason is the upstream reason code attached to a 429/503.
type RateLimitReason string

const (
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServiceUnavailable     RateLimitReason = "SERVICE_UNAVAILABLE"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

// RateLimitError represents an upstream 429/503 with parsed metadata.
type RateLimitError struct {
	StatusCode int
	Reason     RateLimitReason
	RetryAfter time.Duration // zero when the server supplied none
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d %s): %s", e.StatusCode, e.Reason, e.Body)
}

// HTTPStatusError represents a non-rate-limit upstream HTTP error.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// TransportError represents a network failure before any response arrived.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthStatus reports whether the status indicates invalid credentials.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsRateLimitStatus reports whether the status carries rate-limit semantics.
func IsRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// IsNetworkError checks if an error is a transient network error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"timeout",
		"temporary failure",
		"EOF",
	} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// ParseRateLimitReason extracts the reason code from an upstream error body.
func ParseRateLimitReason(body string) RateLimitReason {
	for _, reason := range []RateLimitReason{
		ReasonQuotaExhausted,
		ReasonRateLimitExceeded,
		ReasonModelCapacityExhausted,
		ReasonServiceUnavailable,
	} {
		if strings.Contains(body, string(reason)) {
			return reason
		}
	}
	// RESOURCE_EXHAUSTED without a finer code means the quota pool is gone.
	if strings.Contains(body, "RESOURCE_EXHAUSTED") {
		return ReasonQuotaExhausted
	}
	return ReasonUnknown
}
