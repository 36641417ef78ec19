// Package config loads and validates all runtime configuration for the
// content generation gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Provider keys are optional at startup: they can be added later through the
// key management API. Redis is only needed when one of the stores is set to
// "redis"; ClickHouse only when USAGE_STORE=clickhouse.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials. Empty keys can be filled in at runtime.
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	Gemini     ProviderConfig
	Mistral    ProviderConfig
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig

	// ProviderTimeout bounds every single provider attempt. Default: 30s.
	ProviderTimeout time.Duration

	// Redis holds the connection URL shared by every Redis-backed component.
	Redis RedisConfig

	// Store selects where settings, API keys and prompt templates live.
	Store StoreConfig

	// Cache controls the response cache backend.
	Cache CacheConfig

	// Usage controls the usage log backend and its retention.
	Usage UsageConfig

	// Defaults seed the settings record on first start.
	Defaults SettingsConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-user request-rate limiting.
	RateLimit RateLimitConfig

	// Auth controls inbound identity.
	Auth AuthConfig

	// Notify configures budget alert delivery.
	Notify NotifyConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to configure it at runtime.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// StoreConfig selects the backend for settings, API keys and templates.
type StoreConfig struct {
	// Mode is "memory" (default) or "redis".
	Mode string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  - Redis-backed cache (requires REDIS_URL).
	//   "memory" - In-process TTL cache. Not shared across replicas.
	//   "none"   - Cache disabled entirely.
	// Default: "memory".
	Mode string

	// SweepInterval is how often expired entries are physically removed
	// from the memory backend. Default: 5m.
	SweepInterval time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// UsageConfig controls the usage log.
type UsageConfig struct {
	// Store is "memory" (default) or "clickhouse".
	Store string

	// ClickHouseDSN is a clickhouse:// DSN. Required when Store is "clickhouse".
	ClickHouseDSN string

	// Retention is how long usage entries are kept. 0 keeps them forever.
	// Default: 2160h (90 days).
	Retention time.Duration
}

// SettingsConfig mirrors the mutable settings record. Values here are only
// used to create the record the first time the gateway starts.
type SettingsConfig struct {
	Enabled              bool
	DefaultProvider      string
	DefaultModel         string
	MaxTokens            int
	Temperature          float64
	CacheEnabled         bool
	CacheTTL             time.Duration
	MaxRetries           int
	BackoffStrategy      string
	RetryDelay           time.Duration
	BudgetLimit          float64
	BudgetAlertThreshold int
	DailyRequestLimit    int
	NotificationEmail    string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum generation requests per minute per user.
	// 0 disables the limiter. Requires Redis. Default: 0.
	RPMLimit int
}

// AuthConfig controls inbound request identity.
type AuthConfig struct {
	// JWTSecret is the HS256 secret used to validate bearer tokens.
	// When empty the gateway runs in development mode and trusts X-User-ID.
	JWTSecret string
}

// NotifyConfig configures where budget alerts are delivered. Alerts are
// always written to the log; webhook and email are optional extras.
type NotifyConfig struct {
	WebhookURL   string
	SMTPAddr     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:     providerConfig(v, "OPENAI"),
		Anthropic:  providerConfig(v, "ANTHROPIC"),
		Gemini:     ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:    providerConfig(v, "MISTRAL"),
		XAI:        providerConfig(v, "XAI"),
		DeepSeek:   providerConfig(v, "DEEPSEEK"),
		Groq:       providerConfig(v, "GROQ"),
		Together:   providerConfig(v, "TOGETHER"),
		Perplexity: providerConfig(v, "PERPLEXITY"),

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Store: StoreConfig{Mode: strings.ToLower(v.GetString("STORE_MODE"))},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			SweepInterval:   v.GetDuration("CACHE_SWEEP_INTERVAL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Usage: UsageConfig{
			Store:         strings.ToLower(v.GetString("USAGE_STORE")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
			Retention:     v.GetDuration("USAGE_RETENTION"),
		},

		Defaults: SettingsConfig{
			Enabled:              v.GetBool("AI_ENABLED"),
			DefaultProvider:      strings.ToLower(v.GetString("DEFAULT_PROVIDER")),
			DefaultModel:         v.GetString("DEFAULT_MODEL"),
			MaxTokens:            v.GetInt("MAX_TOKENS"),
			Temperature:          v.GetFloat64("TEMPERATURE"),
			CacheEnabled:         v.GetBool("CACHE_ENABLED"),
			CacheTTL:             v.GetDuration("CACHE_TTL"),
			MaxRetries:           v.GetInt("MAX_RETRIES"),
			BackoffStrategy:      strings.ToLower(v.GetString("BACKOFF_STRATEGY")),
			RetryDelay:           v.GetDuration("RETRY_DELAY"),
			BudgetLimit:          v.GetFloat64("BUDGET_LIMIT"),
			BudgetAlertThreshold: v.GetInt("BUDGET_ALERT_THRESHOLD"),
			DailyRequestLimit:    v.GetInt("DAILY_REQUEST_LIMIT"),
			NotificationEmail:    v.GetString("NOTIFICATION_EMAIL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Auth: AuthConfig{JWTSecret: v.GetString("JWT_SECRET")},

		Notify: NotifyConfig{
			WebhookURL:   v.GetString("ALERT_WEBHOOK_URL"),
			SMTPAddr:     v.GetString("SMTP_ADDR"),
			SMTPUser:     v.GetString("SMTP_USER"),
			SMTPPassword: v.GetString("SMTP_PASSWORD"),
			SMTPFrom:     v.GetString("SMTP_FROM"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// ── Server ────────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// ── Backends ──────────────────────────────────────────────────────────────
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_SWEEP_INTERVAL", "5m")
	v.SetDefault("USAGE_STORE", "memory")
	v.SetDefault("USAGE_RETENTION", "2160h")

	// ── Settings record defaults ──────────────────────────────────────────────
	v.SetDefault("AI_ENABLED", true)
	v.SetDefault("DEFAULT_PROVIDER", "openai")
	v.SetDefault("DEFAULT_MODEL", "gpt-4o-mini")
	v.SetDefault("MAX_TOKENS", 1024)
	v.SetDefault("TEMPERATURE", 0.7)
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "24h")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BACKOFF_STRATEGY", "exponential")
	v.SetDefault("RETRY_DELAY", "1s")
	v.SetDefault("BUDGET_LIMIT", 0)
	v.SetDefault("BUDGET_ALERT_THRESHOLD", 80)
	v.SetDefault("DAILY_REQUEST_LIMIT", 0)

	// ── Resilience ────────────────────────────────────────────────────────────
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
	v.SetDefault("RPM_LIMIT", 0)
}

func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		APIKey:  v.GetString(prefix + "_API_KEY"),
		BaseURL: v.GetString(prefix + "_BASE_URL"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
// The settings defaults are validated separately by the settings package.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Store.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: memory, redis", c.Store.Mode)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.Usage.Store {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("config: invalid USAGE_STORE %q; must be one of: memory, clickhouse", c.Usage.Store)
	}

	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis or CACHE_MODE=redis; " +
				"use memory backends to run without Redis",
		)
	}

	if c.Usage.Store == "clickhouse" && c.Usage.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when USAGE_STORE=clickhouse")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("config: CACHE_SWEEP_INTERVAL must be a positive duration")
	}
	if c.Usage.Retention < 0 {
		return fmt.Errorf("config: USAGE_RETENTION must not be negative")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	if c.Notify.SMTPAddr != "" && c.Notify.SMTPFrom == "" {
		return fmt.Errorf("config: SMTP_FROM is required when SMTP_ADDR is set")
	}

	return nil
}

// NeedsRedis reports whether any configured backend requires a Redis connection.
func (c *Config) NeedsRedis() bool {
	return c.Store.Mode == "redis" || c.Cache.Mode == "redis"
}

// ProviderKeys returns the non-empty API keys keyed by provider identifier.
func (c *Config) ProviderKeys() map[string]string {
	all := map[string]ProviderConfig{
		"openai":     c.OpenAI,
		"anthropic":  c.Anthropic,
		"gemini":     c.Gemini,
		"mistral":    c.Mistral,
		"xai":        c.XAI,
		"deepseek":   c.DeepSeek,
		"groq":       c.Groq,
		"together":   c.Together,
		"perplexity": c.Perplexity,
	}
	out := make(map[string]string, len(all))
	for name, pc := range all {
		if pc.APIKey != "" {
			out[name] = pc.APIKey
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
