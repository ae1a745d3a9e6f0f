package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrModelNotAllowed     = errors.New("model not allowed for tier")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrStreamIdleTimeout   = errors.New("upstream stream idle timeout")
	ErrStreamTruncated     = errors.New("upstream stream ended with unparsable data")
	ErrUpstreamStreamError = errors.New("upstream reported a stream error")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLedgerUnavailable   = errors.New("credit ledger unavailable")
	ErrUsageNotFound       = errors.New("usage record not found")
	ErrPassthroughDisabled = errors.New("anthropic passthrough not configured")
)

// UpstreamFormatError reports an upstream payload that could not be mapped
// onto the canonical types. It is never retried.
type UpstreamFormatError struct {
	Provider string
	Err      error
}

func (e *UpstreamFormatError) Error() string {
	return fmt.Sprintf("%s: malformed upstream response: %v", e.Provider, e.Err)
}

func (e *UpstreamFormatError) Unwrap() error { return e.Err }

// UpstreamHTTPError carries a non-2xx upstream reply so it can be relayed
// to the client verbatim.
type UpstreamHTTPError struct {
	Provider    string
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, truncate(string(e.Body), 512))
}

// Retryable reports whether the failure should count against the
// provider's circuit breaker.
func (e *UpstreamHTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// AuthMintError is returned when an upstream bearer token could not be minted.
type AuthMintError struct {
	Err error
}

func (e *AuthMintError) Error() string {
	return fmt.Sprintf("mint access token: %v", e.Err)
}

func (e *AuthMintError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
