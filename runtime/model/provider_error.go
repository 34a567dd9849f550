package model

import (
	"errors"
	"fmt"
	"time"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry and UX decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling
	// requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider or network
	// failure where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUsageLimit indicates the account's usage allowance is
	// exhausted. Never retried; carries plan and reset metadata for display.
	ProviderErrorKindUsageLimit ProviderErrorKind = "usage_limit"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It is
// intended to cross package boundaries so runtimes can surface stable,
// structured information to callers.
type ProviderError struct {
	provider   string
	operation  string
	http       int
	kind       ProviderErrorKind
	message    string
	requestID  string
	retryable  bool
	retryAfter *time.Duration
	usage      *UsageLimit
	cause      error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required. cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// NewRateLimitedError constructs a retryable ProviderError for an HTTP 429,
// recording the server-provided Retry-After delay when present.
func NewRateLimitedError(provider, operation string, retryAfter *time.Duration, cause error) *ProviderError {
	e := NewProviderError(provider, operation, 429, ProviderErrorKindRateLimited, "rate limited", true, cause)
	e.retryAfter = retryAfter
	return e
}

// NewUsageLimitError constructs a fatal ProviderError for an exhausted usage
// allowance, carrying the plan identifier and reset time for caller display.
func NewUsageLimitError(provider, operation, plan string, resetsIn *time.Duration, cause error) *ProviderError {
	e := NewProviderError(provider, operation, 429, ProviderErrorKindUsageLimit, "usage limit reached", false, cause)
	e.usage = &UsageLimit{Plan: plan, ResetsIn: resetsIn}
	return e
}

// Provider returns the provider identifier (for example, "openai").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known (for example,
// "responses_stream").
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// SetRequestID records the provider request identifier.
func (e *ProviderError) SetRequestID(id string) { e.requestID = id }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

// RetryAfter returns the server-requested delay before the next attempt, or
// nil when the provider did not supply one.
func (e *ProviderError) RetryAfter() *time.Duration { return e.retryAfter }

// UsageLimit returns plan metadata for usage-limit failures, or nil for
// every other kind.
func (e *ProviderError) UsageLimit() *UsageLimit { return e.usage }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, msg)
}

// Unwrap returns the underlying provider error to preserve the error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
