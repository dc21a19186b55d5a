// Package errors defines the unified error type for routing operations.
// Every upstream failure is mapped to a RelayError carrying a closed
// FailureKind so callers never branch on free-form strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind is the closed set of failure classifications.
type FailureKind int

const (
	// KindUnknown is the zero value for unclassified failures.
	KindUnknown FailureKind = iota
	// KindTimeout covers deadline exceeded on connect, first byte, or idle reads.
	KindTimeout
	// KindConnection covers refused/reset/dns transport failures.
	KindConnection
	// KindUpstreamStatus covers non-2xx upstream responses.
	KindUpstreamStatus
	// KindFakeSuccessHTML is a 200 whose body is an HTML document.
	KindFakeSuccessHTML
	// KindFakeSuccessError is a 200 whose JSON body carries a non-empty error field.
	KindFakeSuccessError
	// KindMissingContent is a 200 success envelope missing its content field.
	KindMissingContent
	// KindCircuitOpen means the target was rejected by a circuit breaker.
	KindCircuitOpen
	// KindRateLimited means a cost or concurrency limit was exceeded.
	KindRateLimited
	// KindNoProvider means no candidate provider remained for the session.
	KindNoProvider
	// KindClientCancelled means the caller aborted the request.
	KindClientCancelled
)

var kindNames = map[FailureKind]string{
	KindUnknown:          "unknown",
	KindTimeout:          "timeout",
	KindConnection:       "connection_error",
	KindUpstreamStatus:   "upstream_status",
	KindFakeSuccessHTML:  "fake_success_html_body",
	KindFakeSuccessError: "fake_success_error_field",
	KindMissingContent:   "missing_content",
	KindCircuitOpen:      "circuit_open",
	KindRateLimited:      "rate_limit_exceeded",
	KindNoProvider:       "no_available_provider",
	KindClientCancelled:  "client_cancelled",
}

// clientMessages maps each kind to a message safe to return to callers.
var clientMessages = map[FailureKind]string{
	KindUnknown:          "upstream request failed",
	KindTimeout:          "upstream request timed out",
	KindConnection:       "could not reach upstream provider",
	KindUpstreamStatus:   "upstream provider returned an error",
	KindFakeSuccessHTML:  "upstream provider returned an invalid response",
	KindFakeSuccessError: "upstream provider returned an invalid response",
	KindMissingContent:   "upstream provider returned an incomplete response",
	KindCircuitOpen:      "provider temporarily unavailable",
	KindRateLimited:      "rate limit exceeded",
	KindNoProvider:       "no available provider",
	KindClientCancelled:  "request cancelled",
}

func (k FailureKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ClientMessage returns a message suitable for external callers.
func (k FailureKind) ClientMessage() string {
	if s, ok := clientMessages[k]; ok {
		return s
	}
	return clientMessages[KindUnknown]
}

// Retryable reports whether a failure of this kind should trigger failover
// to another provider.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnection, KindUpstreamStatus,
		KindFakeSuccessHTML, KindFakeSuccessError, KindMissingContent,
		KindCircuitOpen:
		return true
	default:
		return false
	}
}

// CountsForCircuit reports whether a failure of this kind is upstream-caused
// and should be recorded against the target's circuit breaker.
func (k FailureKind) CountsForCircuit() bool {
	switch k {
	case KindTimeout, KindConnection, KindUpstreamStatus,
		KindFakeSuccessHTML, KindFakeSuccessError, KindMissingContent:
		return true
	default:
		return false
	}
}

// RelayError is the standard error for all routing failures.
type RelayError struct {
	Kind       FailureKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Endpoint   string      `json:"endpoint,omitempty"`
	Message    string      `json:"message"`
	Cause      error       `json:"-"`
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.ClientMessage()
	}
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, status=%d)", e.Kind, msg, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *RelayError) Unwrap() error { return e.Cause }

// HTTPStatusCode returns the status code to surface to the caller.
func (e *RelayError) HTTPStatusCode() int {
	switch e.Kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoProvider, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindClientCancelled:
		return 499
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// New creates a RelayError of the given kind.
func New(kind FailureKind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

// Wrap creates a RelayError wrapping a cause.
func Wrap(kind FailureKind, cause error, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the FailureKind from any error, defaulting to KindUnknown.
func KindOf(err error) FailureKind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// As is a convenience wrapper around errors.As for RelayError.
func As(err error) (*RelayError, bool) {
	var re *RelayError
	ok := errors.As(err, &re)
	return re, ok
}
