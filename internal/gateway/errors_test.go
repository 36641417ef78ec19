package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{errDisabled(), 503},
		{errInvalid("bad"), 400},
		{errBudget(10, 10), 402},
		{errRateLimit("slow down"), 429},
		{&Error{Kind: KindProviderAuth}, 502},
		{&Error{Kind: KindProviderInvalidResponse}, 502},
		{&Error{Kind: KindProviderFailed}, 502},
		{&Error{Kind: KindProviderFailed, Timeout: true}, 504},
	}
	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.err.Kind, got, tt.want)
		}
	}
}

func TestProviderFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    Kind
		wantTimeout bool
	}{
		{"auth", &providers.Error{Kind: providers.KindAuth, Message: "invalid key"}, KindProviderAuth, false},
		{"invalid", &providers.Error{Kind: providers.KindInvalidResponse}, KindProviderInvalidResponse, false},
		{"rate limited", &providers.Error{Kind: providers.KindRateLimited}, KindProviderFailed, false},
		{"timeout", &providers.Error{Kind: providers.KindTimeout}, KindProviderFailed, true},
		{"wrapped timeout", fmt.Errorf("attempt: %w", &providers.Error{Kind: providers.KindTimeout}), KindProviderFailed, true},
		{"deadline", context.DeadlineExceeded, KindProviderFailed, true},
		{"other", errors.New("boom"), KindProviderFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge := providerFailure("openai", tt.err)
			if ge.Kind != tt.wantKind || ge.Timeout != tt.wantTimeout {
				t.Errorf("got kind=%s timeout=%v", ge.Kind, ge.Timeout)
			}
			if !errors.Is(ge, tt.err) {
				t.Error("original error should be reachable through Unwrap")
			}
			if !IsKind(ge, tt.wantKind) {
				t.Error("IsKind mismatch")
			}
		})
	}
}
