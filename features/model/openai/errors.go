package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/irichard00/codex-study-sub000/runtime/model"
)

// maxErrorBodyBytes caps how much of a failed response body is read for the
// error envelope.
const maxErrorBodyBytes = 8 << 10

// Usage-limit signals embedded in 429 error bodies. These exhaust the
// account's allowance and retrying cannot help, unlike ordinary throttling.
const (
	errTypeUsageLimitReached = "usage_limit_reached"
	errTypeUsageNotIncluded  = "usage_not_included"
)

type (
	// errorEnvelope is the JSON error body returned on non-200 responses.
	errorEnvelope struct {
		Error *wireError `json:"error"`
	}

	wireError struct {
		Type            string `json:"type"`
		Code            string `json:"code"`
		Message         string `json:"message"`
		PlanType        string `json:"plan_type"`
		ResetsInSeconds *int64 `json:"resets_in_seconds"`
	}
)

// classifyStatus maps a non-200 response to the error taxonomy: 429 is
// retryable (honoring Retry-After) unless the body signals an exhausted usage
// allowance, 5xx is retryable, and every other 4xx is fatal. The body is read
// for the error envelope; closing it stays with the caller.
func classifyStatus(provider, operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	we := envelope.Error

	message := http.StatusText(resp.StatusCode)
	if we != nil && we.Message != "" {
		message = we.Message
	}

	var err *model.ProviderError
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		if we != nil && (we.Type == errTypeUsageLimitReached || we.Type == errTypeUsageNotIncluded) {
			var resets *time.Duration
			if we.ResetsInSeconds != nil {
				d := time.Duration(*we.ResetsInSeconds) * time.Second
				resets = &d
			}
			err = model.NewUsageLimitError(provider, operation, we.PlanType, resets, nil)
			break
		}
		var cause error
		if we != nil && we.Message != "" {
			cause = errors.New(we.Message)
		}
		err = model.NewRateLimitedError(provider, operation, parseRetryAfter(resp.Header), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = model.NewProviderError(provider, operation, status, model.ProviderErrorKindAuth, message, false, nil)
	case status >= 500:
		err = model.NewProviderError(provider, operation, status, model.ProviderErrorKindUnavailable, message, true, nil)
	case status >= 400:
		// 404 and all remaining 4xx: the request will not succeed unchanged.
		err = model.NewProviderError(provider, operation, status, model.ProviderErrorKindInvalidRequest, message, false, nil)
	default:
		err = model.NewProviderError(provider, operation, status, model.ProviderErrorKindUnknown, message, false, nil)
	}
	if id := resp.Header.Get("x-request-id"); id != "" {
		err.SetRequestID(id)
	}
	return err
}

// classifyTransport maps a failure with no HTTP response at all. Caller
// cancellation passes through untouched; everything else (DNS, connection,
// timeout) is a retryable transport failure.
func classifyTransport(ctx context.Context, provider, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return model.NewProviderError(provider, operation, 0, model.ProviderErrorKindUnavailable, "", true, err)
}

// parseRetryAfter reads a Retry-After header as delay seconds or an HTTP
// date. Malformed values degrade to nil, never to an error.
func parseRetryAfter(h http.Header) *time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return nil
		}
		d := time.Duration(secs) * time.Second
		return &d
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
