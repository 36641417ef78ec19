package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindNetwork covers transport failures and 5xx responses. Retried.
	KindNetwork Kind = iota
	// KindAuth is a missing, invalid or forbidden API key. Not retried.
	KindAuth
	// KindRateLimited is a vendor 429. Retried with backoff.
	KindRateLimited
	// KindTimeout is a per-attempt deadline or a 408/504. Retried.
	KindTimeout
	// KindInvalidResponse is a malformed or empty payload, or a request the
	// vendor rejected as invalid. Not retried.
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "network"
	}
}

// Error is the normalized error returned by every provider implementation.
// Message never contains the API key.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d, kind=%s)", e.Provider, e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("%s: %s (kind=%s)", e.Provider, e.Message, e.Kind)
}

// HTTPStatus returns the upstream status code, or 0 when no response arrived.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindInvalidResponse:
		return false
	default:
		return true
	}
}

// KindForStatus maps an upstream HTTP status to an error kind.
//
//	401, 403        → auth
//	429             → rate_limited
//	408, 504        → timeout
//	other 5xx       → network
//	other 4xx / 2xx → invalid_response
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindNetwork
	default:
		return KindInvalidResponse
	}
}

// FromStatus builds an Error for a non-success HTTP response.
func FromStatus(provider string, status int, msg, apiKey string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Provider:   provider,
		Kind:       KindForStatus(status),
		StatusCode: status,
		Message:    Redact(msg, apiKey),
	}
}

// InvalidResponse builds an Error for a payload that could not be used.
func InvalidResponse(provider, msg string) *Error {
	return &Error{Provider: provider, Kind: KindInvalidResponse, Message: msg}
}

// Classify converts an arbitrary error from a provider call into *Error.
// Errors that are already *Error pass through unchanged.
func Classify(provider string, err error, apiKey string) error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	msg := Redact(err.Error(), apiKey)

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Kind: KindTimeout, Message: "request timed out"}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Provider: provider, Kind: KindTimeout, Message: msg}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Provider: provider, Kind: KindInvalidResponse, Message: msg}
	}

	return &Error{Provider: provider, Kind: KindNetwork, Message: msg}
}
