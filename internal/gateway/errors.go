package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

// Kind classifies a Generate failure.
type Kind int

const (
	KindDisabled Kind = iota + 1
	KindInvalidRequest
	KindBudgetExceeded
	KindRateLimitExceeded
	KindProviderAuth
	KindProviderInvalidResponse
	KindProviderFailed
)

func (k Kind) String() string {
	switch k {
	case KindDisabled:
		return "disabled"
	case KindInvalidRequest:
		return "invalid_request"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindProviderAuth:
		return "provider_auth_error"
	case KindProviderInvalidResponse:
		return "provider_invalid_response"
	case KindProviderFailed:
		return "provider_failed"
	default:
		return "unknown"
	}
}

// Error is returned by Generate. Message is safe to show to end users;
// Detail holds sanitized provider text and never contains an API key.
type Error struct {
	Kind     Kind
	Message  string
	Detail   string
	Hint     string
	Provider string
	// Timeout is set when the last provider attempt timed out.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gateway: %s: %s: %s", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindDisabled:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindProviderFailed:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// IsKind reports whether err is a gateway *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == k
}

func errDisabled() *Error {
	return &Error{Kind: KindDisabled, Message: "AI content generation is disabled"}
}

func errInvalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func errBudget(spent, limit float64) *Error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Message: "monthly AI budget exhausted",
		Detail:  fmt.Sprintf("spent $%.2f of $%.2f", spent, limit),
	}
}

func errRateLimit(msg string) *Error {
	return &Error{Kind: KindRateLimitExceeded, Message: msg}
}

// providerFailure converts the final provider error into a gateway error.
func providerFailure(provider string, err error) *Error {
	var pe *providers.Error
	if !errors.As(err, &pe) {
		return &Error{
			Kind:     KindProviderFailed,
			Message:  "content generation failed",
			Provider: provider,
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
	}

	switch pe.Kind {
	case providers.KindAuth:
		return &Error{
			Kind:     KindProviderAuth,
			Message:  "the AI provider rejected the API key",
			Detail:   pe.Message,
			Hint:     fmt.Sprintf("check the %s API key in the key settings", provider),
			Provider: provider,
			Err:      err,
		}
	case providers.KindInvalidResponse:
		return &Error{
			Kind:     KindProviderInvalidResponse,
			Message:  "the AI provider returned an unusable response",
			Detail:   pe.Message,
			Provider: provider,
			Err:      err,
		}
	default:
		return &Error{
			Kind:     KindProviderFailed,
			Message:  "content generation failed",
			Detail:   pe.Message,
			Provider: provider,
			Timeout:  pe.Kind == providers.KindTimeout,
			Err:      err,
		}
	}
}
