// Package settings holds the singleton settings record that drives the
// generation gateway: defaults, cache policy, retry policy and budget limits.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/config"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

// BackoffStrategy selects how the delay between retries grows.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Valid reports whether s is a known strategy.
func (s BackoffStrategy) Valid() bool {
	switch s {
	case BackoffConstant, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

const (
	maxMaxTokens  = 200_000
	maxRetryLimit = 10
	maxRetryDelay = 60_000
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid settings")

// Settings is the mutable configuration record.
type Settings struct {
	Enabled              bool            `json:"enabled"`
	DefaultProvider      string          `json:"default_provider"`
	DefaultModel         string          `json:"default_model"`
	MaxTokens            int             `json:"max_tokens"`
	Temperature          float64         `json:"temperature"`
	CacheEnabled         bool            `json:"cache_enabled"`
	CacheTTLSeconds      int             `json:"cache_ttl_seconds"`
	MaxRetries           int             `json:"max_retries"`
	BackoffStrategy      BackoffStrategy `json:"backoff_strategy"`
	RetryDelayMS         int             `json:"retry_delay_ms"`
	BudgetLimit          float64         `json:"budget_limit"`
	BudgetAlertThreshold int             `json:"budget_alert_threshold"`
	DailyRequestLimit    int             `json:"daily_request_limit"`
	NotificationEmail    string          `json:"notification_email"`
}

// FromConfig builds the initial settings record from configuration defaults.
func FromConfig(c config.SettingsConfig) Settings {
	return Settings{
		Enabled:              c.Enabled,
		DefaultProvider:      c.DefaultProvider,
		DefaultModel:         c.DefaultModel,
		MaxTokens:            c.MaxTokens,
		Temperature:          c.Temperature,
		CacheEnabled:         c.CacheEnabled,
		CacheTTLSeconds:      int(c.CacheTTL / time.Second),
		MaxRetries:           c.MaxRetries,
		BackoffStrategy:      BackoffStrategy(c.BackoffStrategy),
		RetryDelayMS:         int(c.RetryDelay / time.Millisecond),
		BudgetLimit:          c.BudgetLimit,
		BudgetAlertThreshold: c.BudgetAlertThreshold,
		DailyRequestLimit:    c.DailyRequestLimit,
		NotificationEmail:    c.NotificationEmail,
	}
}

// CacheTTL returns the cache TTL as a duration.
func (s Settings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// RetryDelay returns the base retry delay as a duration.
func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// Validate checks every field. The returned error wraps ErrInvalid.
func (s Settings) Validate() error {
	switch {
	case !providers.IsKnown(s.DefaultProvider):
		return invalid("default_provider %q is not a known provider", s.DefaultProvider)
	case s.DefaultModel == "":
		return invalid("default_model must not be empty")
	case s.MaxTokens < 1 || s.MaxTokens > maxMaxTokens:
		return invalid("max_tokens must be between 1 and %d, got %d", maxMaxTokens, s.MaxTokens)
	case s.Temperature < 0 || s.Temperature > 2:
		return invalid("temperature must be between 0 and 2, got %g", s.Temperature)
	case s.CacheTTLSeconds < 0:
		return invalid("cache_ttl_seconds must not be negative")
	case s.CacheEnabled && s.CacheTTLSeconds == 0:
		return invalid("cache_ttl_seconds must be positive when the cache is enabled")
	case s.MaxRetries < 0 || s.MaxRetries > maxRetryLimit:
		return invalid("max_retries must be between 0 and %d, got %d", maxRetryLimit, s.MaxRetries)
	case !s.BackoffStrategy.Valid():
		return invalid("backoff_strategy %q must be one of: constant, linear, exponential", s.BackoffStrategy)
	case s.RetryDelayMS < 0 || s.RetryDelayMS > maxRetryDelay:
		return invalid("retry_delay_ms must be between 0 and %d, got %d", maxRetryDelay, s.RetryDelayMS)
	case s.BudgetLimit < 0:
		return invalid("budget_limit must not be negative")
	case s.BudgetAlertThreshold < 0 || s.BudgetAlertThreshold > 100:
		return invalid("budget_alert_threshold must be a percentage between 0 and 100, got %d", s.BudgetAlertThreshold)
	case s.DailyRequestLimit < 0:
		return invalid("daily_request_limit must not be negative")
	}

	if s.NotificationEmail != "" {
		if _, err := mail.ParseAddress(s.NotificationEmail); err != nil {
			return invalid("notification_email %q is not a valid address", s.NotificationEmail)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Store persists the settings record.
type Store interface {
	// Get returns the current record, or the defaults if none was saved.
	Get(ctx context.Context) (Settings, error)
	// Update validates and saves s, returning the stored record.
	Update(ctx context.Context, s Settings) (Settings, error)
	// Reset discards the stored record and returns the defaults.
	Reset(ctx context.Context) (Settings, error)
}
