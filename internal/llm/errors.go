// Package llm implements the provider abstraction layer: streaming chat
// against the OpenAI, Anthropic and Gemini wire APIs, normalized into one
// canonical event model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes runtime errors for retry and user messaging decisions.
type ErrorKind string

const (
	KindUnknown             ErrorKind = "unknown"
	KindInvalidOptions      ErrorKind = "invalid_options"
	KindInvalidCredentials  ErrorKind = "invalid_credentials"
	KindSessionNotFound     ErrorKind = "session_not_found"
	KindProviderUnsupported ErrorKind = "provider_not_supported"
	KindInvalidAuthType     ErrorKind = "invalid_auth_type"
	KindMissingModel        ErrorKind = "missing_model"
	KindEmptyMessages       ErrorKind = "empty_messages"
	KindInvalidMessages     ErrorKind = "invalid_messages"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindNetworkError        ErrorKind = "network_error"
	KindHTTPError           ErrorKind = "http_error"
	KindInvalidRefreshToken ErrorKind = "invalid_refresh_token"
	KindRefreshFailed       ErrorKind = "refresh_failed"
	KindStreamFailure       ErrorKind = "stream_failure"
)

// Error is the typed error returned across the llm surface. Kind drives
// classification; Err (optional) preserves the cause chain.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause with a kind.
func WrapErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// HTTPError is a non-2xx provider response. The body is truncated raw wire
// text; callers must not log it alongside credentials.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Status, e.Body)
}

// NewHTTPError builds a KindHTTPError wrapping an HTTPError with the body
// capped at 2KB.
func NewHTTPError(status int, body []byte) *Error {
	const maxBody = 2048
	text := string(body)
	if len(text) > maxBody {
		text = text[:maxBody]
	}
	return &Error{Kind: KindHTTPError, Err: &HTTPError{Status: status, Body: text}}
}

// StatusOf returns the HTTP status carried by the error chain, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// IsRetryable reports whether an error is worth retrying at the transport
// level. Auth and validation failures never are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkError, KindTimeout:
		return true
	case KindHTTPError:
		status := StatusOf(err)
		return status == 429 || status >= 500
	default:
		return false
	}
}

// IsAuthFailure reports whether an error means the credential itself is bad.
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindInvalidCredentials, KindInvalidRefreshToken:
		return true
	case KindHTTPError:
		status := StatusOf(err)
		return status == 401 || status == 403
	}
	return false
}

// IsRateLimitMessage checks whether raw provider error text indicates rate
// limiting. Used when the body arrives mid-stream rather than as a status.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota exceeded")
}

// IsOverloadedMessage checks whether raw provider error text indicates a
// transient capacity problem.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "server is busy")
}

// classifyTransportErr maps a transport-level failure to a typed error,
// honoring context state so callers see timeout/cancel instead of a generic
// network error.
func classifyTransportErr(ctx context.Context, err error) *Error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return WrapErr(KindTimeout, err)
	}
	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		return WrapErr(KindCancelled, err)
	}
	return WrapErr(KindNetworkError, err)
}
