package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
)

// maxRetryDelay caps a single wait between attempts.
const maxRetryDelay = 30 * time.Second

// strategyBackOff implements backoff.BackOff for the three settings
// strategies. The n-th call to NextBackOff (1-based) returns the delay
// before retry n:
//
//	constant     d
//	linear       d * n
//	exponential  d * 2^n
type strategyBackOff struct {
	strategy settings.BackoffStrategy
	base     time.Duration
	n        int
}

var _ backoff.BackOff = (*strategyBackOff)(nil)

func newStrategyBackOff(strategy settings.BackoffStrategy, base time.Duration) *strategyBackOff {
	return &strategyBackOff{strategy: strategy, base: base}
}

func (b *strategyBackOff) Reset() { b.n = 0 }

func (b *strategyBackOff) NextBackOff() time.Duration {
	b.n++
	return Delay(b.strategy, b.base, b.n)
}

// Delay returns the wait before retry n (1-based) under strategy.
func Delay(strategy settings.BackoffStrategy, base time.Duration, n int) time.Duration {
	if base <= 0 || n < 1 {
		return 0
	}

	var d time.Duration
	switch strategy {
	case settings.BackoffLinear:
		d = base * time.Duration(n)
	case settings.BackoffExponential:
		// Past 2^30 the product overflows long before the cap matters.
		if n >= 30 {
			return maxRetryDelay
		}
		d = base * time.Duration(1<<n)
	default:
		d = base
	}

	if d > maxRetryDelay || d < 0 {
		return maxRetryDelay
	}
	return d
}

// retryPolicy bounds the strategy to maxRetries retries and binds it to ctx.
func retryPolicy(s settings.Settings, ctx context.Context) backoff.BackOffContext {
	b := newStrategyBackOff(s.BackoffStrategy, s.RetryDelay())
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.MaxRetries)), ctx)
}
