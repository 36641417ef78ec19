// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     - external connections (Redis when needed)
//  2. initStores    - settings, API keys, prompt templates
//  3. initCache     - response cache backend and exclusions
//  4. initUsage     - usage log backend (memory or ClickHouse)
//  5. initProviders - provider clients
//  6. initServices  - metrics, notifier chain, rate limiter
//  7. initGateway   - orchestrator, health checker, HTTP server
//
// The admin CLI commands only need steps 1–4; see OpenBackends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/cache"
	"github.com/nulpointcorp/contentgen-gateway/internal/config"
	"github.com/nulpointcorp/contentgen-gateway/internal/gateway"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/notify"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	"github.com/nulpointcorp/contentgen-gateway/internal/server"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// pruneInterval is how often expired usage entries are removed.
const pruneInterval = time.Hour

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections - nil when not configured.
	rdb *redis.Client

	settings  settings.Store
	keys      keys.Store
	templates prompt.Store

	cache      cache.Cache
	memCache   *cache.MemoryCache
	exactCache *cache.ExactCache
	exclusions *cache.ExclusionList

	usage   usage.Store
	chUsage *usage.ClickHouseStore

	prom     *metrics.Registry
	notifier notify.Notifier
	limiter  gateway.Limiter

	registry *providers.Registry
	gw       *gateway.Gateway
	health   *gateway.HealthChecker
	srv      *server.Server
}

type initStep struct {
	name string
	fn   func(context.Context) error
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a, err := newApp(ctx, cfg, log, version)
	if err != nil {
		return nil, err
	}
	return a, a.init(ctx, a.backendSteps(), a.serviceSteps())
}

// OpenBackends connects only the storage backends (stores, cache, usage log).
// It is used by the admin CLI commands that inspect or modify state without
// serving traffic.
func OpenBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a, err := newApp(ctx, cfg, log, "")
	if err != nil {
		return nil, err
	}
	return a, a.init(ctx, a.backendSteps())
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &App{cfg: cfg, version: version, baseCtx: ctx, log: log}, nil
}

func (a *App) backendSteps() []initStep {
	return []initStep{
		{"infra", a.initInfra},
		{"stores", a.initStores},
		{"cache", a.initCache},
		{"usage", a.initUsage},
	}
}

func (a *App) serviceSteps() []initStep {
	return []initStep{
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}
}

func (a *App) init(ctx context.Context, groups ...[]initStep) error {
	for _, steps := range groups {
		for _, s := range steps {
			if err := s.fn(ctx); err != nil {
				a.Close()
				return fmt.Errorf("app: init %s: %w", s.name, err)
			}
		}
	}
	return nil
}

// Settings returns the settings store.
func (a *App) Settings() settings.Store { return a.settings }

// Cache returns the response cache, or nil when caching is disabled.
func (a *App) Cache() cache.Cache { return a.cache }

// Usage returns the usage log.
func (a *App) Usage() usage.Store { return a.usage }

// Run starts the HTTP server and the retention pruner and blocks until ctx
// is cancelled or an error occurs. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	if a.srv == nil {
		return fmt.Errorf("app: Run called on a backends-only app")
	}
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("usage_store", a.cfg.Usage.Store),
		slog.Int("providers", len(a.registry.Names())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	if a.cfg.Usage.Retention > 0 {
		g.Go(func() error {
			a.pruneLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// pruneLoop removes usage entries older than the configured retention,
// once at start and then every pruneInterval.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		a.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) prune(ctx context.Context) {
	before := time.Now().Add(-a.cfg.Usage.Retention)
	n, err := a.usage.Prune(ctx, before)
	if err != nil {
		a.log.Warn("usage_prune_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.log.Info("usage_pruned", slog.Int64("removed", n), slog.Time("before", before))
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage store close error", slog.String("error", err.Error()))
		}
		a.usage = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe returns a health probe that reuses the existing client.
func redisProbe(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
