package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/contentgen-gateway/internal/cache"
	"github.com/nulpointcorp/contentgen-gateway/internal/config"
	"github.com/nulpointcorp/contentgen-gateway/internal/gateway"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/notify"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/contentgen-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/contentgen-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/contentgen-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/contentgen-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/contentgen-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/contentgen-gateway/internal/ratelimit"
	"github.com/nulpointcorp/contentgen-gateway/internal/server"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
)

// initInfra establishes optional external connections.
// Redis is only required when STORE_MODE=redis or CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.NeedsRedis() {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initStores creates the settings, key and template stores and seeds them
// from configuration. Keys from the environment and settings defaults only
// fill gaps; values changed at runtime survive restarts.
func (a *App) initStores(ctx context.Context) error {
	defaults := settings.FromConfig(a.cfg.Defaults)
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("settings defaults: %w", err)
	}

	switch a.cfg.Store.Mode {
	case "redis":
		rs := settings.NewRedisStore(a.rdb, defaults)
		if err := rs.Init(ctx); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
		a.settings = rs
		a.keys = keys.NewRedisStore(a.rdb)
		a.templates = prompt.NewRedisStore(a.rdb)
		a.log.Info("state store: redis")

	default:
		a.settings = settings.NewMemoryStore(defaults)
		a.keys = keys.NewMemoryStore()
		a.templates = prompt.NewMemoryStore()
		a.log.Info("state store: memory (in-process)")
	}

	seed := a.cfg.ProviderKeys()
	if err := keys.Seed(ctx, a.keys, seed); err != nil {
		return fmt.Errorf("seed keys: %w", err)
	}
	if len(seed) > 0 {
		names := make([]string, 0, len(seed))
		for n := range seed {
			names = append(names, n)
		}
		a.log.Info("api keys seeded from environment", slog.Any("providers", names))
	}
	return nil
}

// initCache creates the response cache backend and the exclusion list.
func (a *App) initCache(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.exactCache = cache.NewExactCacheFromClient(a.rdb)
		a.cache = a.exactCache
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.SweepInterval)
		a.cache = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}
	return nil
}

// initUsage opens the usage log backend.
func (a *App) initUsage(ctx context.Context) error {
	switch a.cfg.Usage.Store {
	case "clickhouse":
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.Usage.ClickHouseDSN)))
		ch, err := usage.OpenClickHouse(ctx, a.cfg.Usage.ClickHouseDSN, a.log)
		if err != nil {
			return err
		}
		a.chUsage = ch
		a.usage = ch
		a.log.Info("usage store: clickhouse")

	default:
		a.usage = usage.NewMemoryStore()
		a.log.Info("usage store: memory (in-process)")
	}
	return nil
}

// initProviders registers a client for every supported provider. Keys are
// read from the key store at call time, so providers without a key are
// still registered and simply fail with an auth error until one is set.
func (a *App) initProviders(_ context.Context) error {
	a.registry = buildProviders(a.cfg)
	a.log.Info("providers registered", slog.Any("providers", a.registry.Names()))
	return nil
}

// initServices creates the metrics registry, the notifier chain and the
// optional per-user rate limiter.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	chain := []notify.Notifier{notify.NewLog(a.log)}
	if a.cfg.Notify.WebhookURL != "" {
		chain = append(chain, notify.NewWebhook(a.cfg.Notify.WebhookURL))
	}
	if a.cfg.Notify.SMTPAddr != "" {
		chain = append(chain, notify.NewEmail(notify.SMTPConfig{
			Addr:     a.cfg.Notify.SMTPAddr,
			User:     a.cfg.Notify.SMTPUser,
			Password: a.cfg.Notify.SMTPPassword,
			From:     a.cfg.Notify.SMTPFrom,
		}))
	}
	multi := notify.NewMulti(a.log, a.prom, chain...)
	a.notifier = multi
	a.log.Info("budget alert channels", slog.Int("channels", multi.Len()))

	// Rate limiting - only when Redis is available.
	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.rdb == nil {
			a.log.Warn("RPM_LIMIT ignored: rate limiting requires redis",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		} else {
			a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.log)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		}
	}
	return nil
}

// initGateway wires together the orchestrator, health checker and HTTP server.
func (a *App) initGateway(_ context.Context) error {
	a.gw = gateway.New(a.baseCtx, gateway.Options{
		Providers:       a.registry,
		Settings:        a.settings,
		Keys:            a.keys,
		Templates:       a.templates,
		Usage:           a.usage,
		Cache:           a.cache,
		Exclusions:      a.exclusions,
		Limiter:         a.limiter,
		Notifier:        a.notifier,
		Metrics:         a.prom,
		Logger:          a.log,
		ProviderTimeout: a.cfg.ProviderTimeout,
		CBConfig: gateway.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	})

	a.health = gateway.NewHealthChecker(a.baseCtx, a.registry, a.keys, a.probes(), a.prom, 0)

	auth := server.NewAuthenticator(a.cfg.Auth.JWTSecret)
	if auth.DevMode() {
		a.log.Warn("JWT_SECRET not set: running in development auth mode, every caller is admin")
	}

	a.srv = server.New(server.Options{
		Gateway:     a.gw,
		Health:      a.health,
		Settings:    a.settings,
		Keys:        a.keys,
		Templates:   a.templates,
		Usage:       a.usage,
		Cache:       a.cache,
		Metrics:     a.prom,
		Auth:        auth,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	return nil
}

// probes builds the backend health probes. Memory backends are always up.
func (a *App) probes() gateway.Probes {
	var p gateway.Probes
	if a.exactCache != nil {
		p.Cache = a.exactCache.Ping
	}
	if a.cfg.Store.Mode == "redis" && a.rdb != nil {
		p.Store = redisProbe(a.rdb)
	}
	if a.chUsage != nil {
		p.Usage = a.chUsage.Ping
	}
	return p
}

// buildProviders creates a client for every supported provider, honouring
// per-provider base URL overrides.
func buildProviders(cfg *config.Config) *providers.Registry {
	var openaiOpts []openaiprov.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	var anthropicOpts []anthropicprov.Option
	if cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	var geminiOpts []geminiprov.Option
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
	}
	var mistralOpts []mistralprov.Option
	if cfg.Mistral.BaseURL != "" {
		mistralOpts = append(mistralOpts, mistralprov.WithBaseURL(cfg.Mistral.BaseURL))
	}

	provs := []providers.Provider{
		openaiprov.New(openaiOpts...),
		anthropicprov.New(anthropicOpts...),
		geminiprov.New(geminiOpts...),
		mistralprov.New(mistralOpts...),
	}

	// ── OpenAI-compatible providers ───────────────────────────────────────────
	compat := []struct {
		name    string
		baseURL string
	}{
		{providers.XAI, cfg.XAI.BaseURL},
		{providers.DeepSeek, cfg.DeepSeek.BaseURL},
		{providers.Groq, cfg.Groq.BaseURL},
		{providers.Together, cfg.Together.BaseURL},
		{providers.Perplexity, cfg.Perplexity.BaseURL},
	}
	for _, c := range compat {
		provs = append(provs, openaicompatprov.New(c.name, c.baseURL))
	}

	return providers.NewRegistry(provs...)
}
