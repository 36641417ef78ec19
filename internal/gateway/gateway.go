// Package gateway is the content generation orchestrator.
//
// Generate resolves the target provider and model, applies the rate and
// budget gates, renders the prompt, consults the response cache, and calls
// the provider inside a bounded retry loop. Every request that reaches the
// cache or the provider leaves exactly one usage entry behind.
//
// Key design constraints:
//   - Cache, limiter, notifier and metrics are optional and nil-safe.
//   - Gate and cache backends fail open: their outages never fail a request.
//   - Provider errors reach the caller only as sanitized *Error values.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nulpointcorp/contentgen-gateway/internal/cache"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/notify"
	"github.com/nulpointcorp/contentgen-gateway/internal/pricing"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
)

const (
	// DefaultContentType labels requests that carry a raw prompt only.
	DefaultContentType = "custom"

	maxPromptBytes = 100_000
	notifyTimeout  = 15 * time.Second
)

// Limiter is a per-user request rate limiter.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Options holds the Gateway dependencies. Providers, Settings, Keys and
// Usage are required; everything else may be left nil.
type Options struct {
	Providers *providers.Registry
	Settings  settings.Store
	Keys      keys.Store
	Templates prompt.Store
	Usage     usage.Store

	// Cache is the response cache. Nil disables caching regardless of
	// the cache_enabled setting.
	Cache      cache.Cache
	Exclusions *cache.ExclusionList

	// Pricing defaults to the built-in price table.
	Pricing *pricing.Table

	Limiter  Limiter
	Notifier notify.Notifier
	Metrics  *metrics.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ProviderTimeout bounds a single provider attempt.
	// Default: providers.DefaultTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig
}

// Gateway orchestrates generation requests. It is safe for concurrent use.
type Gateway struct {
	providers  *providers.Registry
	settings   settings.Store
	keys       keys.Store
	templates  prompt.Store
	usage      usage.Store
	cache      cache.Cache
	exclusions *cache.ExclusionList
	pricing    *pricing.Table
	limiter    Limiter
	notifier   notify.Notifier
	metrics    *metrics.Registry
	log        *slog.Logger
	cb         *CircuitBreaker

	baseCtx         context.Context
	providerTimeout time.Duration

	now      func() time.Time
	newTimer func() backoff.Timer

	// alerts tracks in-flight budget notifications.
	alerts sync.WaitGroup
}

// New creates a Gateway. baseCtx bounds background notification delivery.
func New(baseCtx context.Context, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if opts.Providers == nil || opts.Settings == nil || opts.Keys == nil || opts.Usage == nil {
		panic("gateway: providers, settings, keys and usage are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	table := opts.Pricing
	if table == nil {
		table = pricing.NewTable(nil)
	}

	return &Gateway{
		providers:       opts.Providers,
		settings:        opts.Settings,
		keys:            opts.Keys,
		templates:       opts.Templates,
		usage:           opts.Usage,
		cache:           opts.Cache,
		exclusions:      opts.Exclusions,
		pricing:         table,
		limiter:         opts.Limiter,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		log:             log,
		cb:              NewCircuitBreaker(opts.CBConfig),
		baseCtx:         baseCtx,
		providerTimeout: timeout,
		now:             time.Now,
		newTimer:        func() backoff.Timer { return nil },
	}
}

// Request is one content generation request.
type Request struct {
	UserID string `json:"user_id"`
	// Type is the content type ("title", "description", ...). It selects the
	// prompt template and labels the usage entry.
	Type   string            `json:"type"`
	Prompt string            `json:"prompt"`
	Vars   map[string]string `json:"vars"`
	System string            `json:"system"`

	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	BypassCache bool     `json:"bypass_cache"`
}

// Stats describes how a result was produced.
type Stats struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	TokensIn    int           `json:"tokens_in"`
	TokensOut   int           `json:"tokens_out"`
	Cost        float64       `json:"cost"`
	Latency     time.Duration `json:"latency_ns"`
	Attempts    int           `json:"attempts"`
	Cached      bool          `json:"cached"`
	Fingerprint string        `json:"fingerprint"`
}

// Result is a successful generation.
type Result struct {
	Text  string `json:"text"`
	Stats Stats  `json:"stats"`
}

// target is the resolved provider call.
type target struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int
	contentType string
	prompt      string
	system      string
}

// CircuitBreakerState returns the breaker state label for provider.
func (g *Gateway) CircuitBreakerState(provider string) string {
	return g.cb.StateLabel(provider)
}

// Close waits for in-flight budget notifications.
func (g *Gateway) Close() {
	g.alerts.Wait()
}

// Generate produces a completion for req.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	start := g.now()

	s, err := g.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: load settings: %w", err)
	}

	contentType := req.Type
	if contentType == "" {
		contentType = DefaultContentType
	}

	if !s.Enabled {
		return nil, g.reject(contentType, "", errDisabled(), start)
	}

	t, gerr := g.resolve(s, req)
	if gerr != nil {
		return nil, g.reject(contentType, "", gerr, start)
	}
	t.contentType = contentType

	spent, spentKnown, gerr := g.checkLimits(ctx, s, req.UserID, start)
	if gerr != nil {
		return nil, g.reject(contentType, t.provider, gerr, start)
	}

	if gerr := g.render(ctx, req, &t); gerr != nil {
		return nil, g.reject(contentType, t.provider, gerr, start)
	}

	fp := Fingerprint(t.provider, t.model, t.prompt, t.system, t.temperature, t.maxTokens)
	cacheable := s.CacheEnabled && g.cache != nil && !g.exclusions.Excludes(t.provider, t.model)

	if cacheable && !req.BypassCache {
		if entry, ok := g.lookup(ctx, fp); ok {
			return g.cacheHit(ctx, req.UserID, t, fp, entry, start), nil
		}
	}

	comp, attempts, err := g.call(ctx, s, t)
	latency := g.now().Sub(start)
	if err != nil {
		ge := providerFailure(t.provider, err)
		g.recordUsage(ctx, usage.Entry{
			UserID:    req.UserID,
			Provider:  t.provider,
			Model:     t.model,
			Type:      contentType,
			Status:    usage.StatusError,
			Latency:   latency,
			Error:     sanitizedMessage(ge),
			CreatedAt: start,
		})
		g.metrics.ObserveGeneration(t.provider, contentType, ge.Kind.String(), false, latency)
		g.log.WarnContext(ctx, "generation_failed",
			slog.String("user_id", req.UserID),
			slog.String("provider", t.provider),
			slog.String("model", t.model),
			slog.String("type", contentType),
			slog.Int("attempts", attempts),
			slog.String("kind", ge.Kind.String()),
			slog.String("error", sanitizedMessage(ge)),
		)
		return nil, ge
	}

	cost, priced := g.pricing.Cost(t.model, comp.TokensIn, comp.TokensOut)
	if !priced && comp.Model != "" {
		cost, priced = g.pricing.Cost(comp.Model, comp.TokensIn, comp.TokensOut)
	}
	if !priced {
		g.log.DebugContext(ctx, "model_not_priced", slog.String("model", t.model))
	}

	model := t.model
	if comp.Model != "" {
		model = comp.Model
	}

	g.recordUsage(ctx, usage.Entry{
		UserID:    req.UserID,
		Provider:  t.provider,
		Model:     t.model,
		Type:      contentType,
		Status:    usage.StatusSuccess,
		TokensIn:  comp.TokensIn,
		TokensOut: comp.TokensOut,
		Cost:      cost,
		Latency:   latency,
		CreatedAt: start,
	})
	g.metrics.AddUsage(t.provider, t.model, comp.TokensIn, comp.TokensOut, cost)
	g.metrics.ObserveGeneration(t.provider, contentType, "ok", false, latency)

	if cacheable {
		g.store(ctx, fp, cache.Response{
			Text:      comp.Text,
			TokensIn:  comp.TokensIn,
			TokensOut: comp.TokensOut,
			Model:     model,
		}, s.CacheTTL())
	}

	if spentKnown {
		g.maybeAlert(s, spent, cost, start)
	}

	g.log.InfoContext(ctx, "generation_ok",
		slog.String("user_id", req.UserID),
		slog.String("provider", t.provider),
		slog.String("model", t.model),
		slog.String("type", contentType),
		slog.Int("attempts", attempts),
		slog.Int("tokens_in", comp.TokensIn),
		slog.Int("tokens_out", comp.TokensOut),
		slog.Float64("cost", cost),
		slog.Duration("latency", latency),
	)

	return &Result{
		Text: comp.Text,
		Stats: Stats{
			Provider:    t.provider,
			Model:       model,
			TokensIn:    comp.TokensIn,
			TokensOut:   comp.TokensOut,
			Cost:        cost,
			Latency:     latency,
			Attempts:    attempts,
			Fingerprint: fp,
		},
	}, nil
}

// resolve picks the provider and model: an explicit override, else the
// provider that serves the requested model, else the settings default.
func (g *Gateway) resolve(s settings.Settings, req Request) (target, *Error) {
	provider, model := req.Provider, req.Model
	switch {
	case provider == "" && model == "":
		provider, model = s.DefaultProvider, s.DefaultModel
	case provider == "":
		if p, ok := providers.ResolveModel(model); ok {
			provider = p
		} else {
			provider = s.DefaultProvider
		}
	case model == "":
		if provider != s.DefaultProvider {
			return target{}, errInvalid("model is required when provider %q is not the default", provider)
		}
		model = s.DefaultModel
	}

	if !providers.IsKnown(provider) {
		return target{}, errInvalid("unknown provider %q", provider)
	}
	if _, ok := g.providers.Get(provider); !ok {
		return target{}, errInvalid("provider %q is not configured", provider)
	}

	t := target{
		provider:    provider,
		model:       model,
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			return target{}, errInvalid("temperature must be between 0 and 2")
		}
		t.temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens < 1 {
			return target{}, errInvalid("max_tokens must be positive")
		}
		t.maxTokens = *req.MaxTokens
	}
	return t, nil
}

// checkLimits applies the per-user RPM limiter, the daily request limit and
// the monthly budget, in that order. It returns the month's spend so far
// when the budget gate ran. Store failures are logged and let through.
func (g *Gateway) checkLimits(ctx context.Context, s settings.Settings, userID string, now time.Time) (float64, bool, *Error) {
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, userID)
		if err == nil && !ok {
			g.metrics.RecordBlocked("rpm")
			return 0, false, errRateLimit("too many requests per minute")
		}
	}

	if s.DailyRequestLimit > 0 {
		n, err := g.usage.DailyRequests(ctx, userID, now)
		switch {
		case err != nil:
			g.log.WarnContext(ctx, "daily_limit_check_failed", slog.String("error", err.Error()))
		case n >= int64(s.DailyRequestLimit):
			g.metrics.RecordBlocked("daily")
			return 0, false, errRateLimit(fmt.Sprintf("daily request limit of %d reached", s.DailyRequestLimit))
		}
	}

	if s.BudgetLimit <= 0 {
		return 0, false, nil
	}
	spent, err := g.usage.MonthlyCost(ctx, now)
	if err != nil {
		g.log.WarnContext(ctx, "budget_check_failed", slog.String("error", err.Error()))
		return 0, false, nil
	}
	if spent >= s.BudgetLimit {
		g.metrics.RecordBlocked("budget")
		return spent, true, errBudget(spent, s.BudgetLimit)
	}
	return spent, true, nil
}

// render builds the prompt. A template is used when variables are given or
// the raw prompt is empty; otherwise the raw prompt is sent as is.
func (g *Gateway) render(ctx context.Context, req Request, t *target) *Error {
	t.system = strings.TrimSpace(req.System)
	raw := strings.TrimSpace(req.Prompt)

	if len(req.Vars) > 0 || raw == "" {
		if req.Type == "" {
			return errInvalid("prompt or type is required")
		}
		tmpl, err := prompt.Resolve(ctx, g.templates, req.Type)
		if err != nil {
			if errors.Is(err, prompt.ErrUnknownType) {
				return errInvalid("unknown content type %q", req.Type)
			}
			g.log.WarnContext(ctx, "template_lookup_failed",
				slog.String("type", req.Type),
				slog.String("error", err.Error()),
			)
			tmpl, _ = prompt.Default(req.Type)
			if tmpl.Body == "" {
				return errInvalid("template for %q is unavailable", req.Type)
			}
		}
		vars := req.Vars
		if raw != "" {
			vars = withContent(vars, raw)
		}
		t.prompt = tmpl.Render(vars)
		if t.system == "" {
			t.system = tmpl.SystemPrompt()
		}
	} else {
		t.prompt = raw
	}

	if t.system == "" {
		t.system = prompt.DefaultSystem
	}
	if strings.TrimSpace(t.prompt) == "" {
		return errInvalid("rendered prompt is empty")
	}
	if len(t.prompt) > maxPromptBytes {
		return errInvalid("prompt exceeds %d bytes", maxPromptBytes)
	}
	return nil
}

// withContent copies vars and fills {content} from the raw prompt when the
// caller did not set it.
func withContent(vars map[string]string, raw string) map[string]string {
	out := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	if _, ok := out["content"]; !ok {
		out["content"] = raw
	}
	return out
}

// lookup reads the cache. Errors degrade to a miss.
func (g *Gateway) lookup(ctx context.Context, fp string) (*cache.Entry, bool) {
	entry, ok, err := g.cache.Get(ctx, fp)
	switch {
	case err != nil:
		g.metrics.RecordCacheOp("get", "error")
		g.log.WarnContext(ctx, "cache_get_error", slog.String("error", err.Error()))
		return nil, false
	case !ok:
		g.metrics.RecordCacheOp("get", "miss")
		return nil, false
	}
	g.metrics.RecordCacheOp("get", "hit")
	return entry, true
}

func (g *Gateway) store(ctx context.Context, fp string, resp cache.Response, ttl time.Duration) {
	if err := g.cache.Put(ctx, fp, resp, ttl); err != nil {
		g.metrics.RecordCacheOp("put", "error")
		g.log.WarnContext(ctx, "cache_put_error", slog.String("error", err.Error()))
		return
	}
	g.metrics.RecordCacheOp("put", "ok")
}

func (g *Gateway) cacheHit(ctx context.Context, userID string, t target, fp string, entry *cache.Entry, start time.Time) *Result {
	latency := g.now().Sub(start)
	g.recordUsage(ctx, usage.Entry{
		UserID:    userID,
		Provider:  t.provider,
		Model:     t.model,
		Type:      t.contentType,
		Status:    usage.StatusSuccess,
		Cached:    true,
		TokensIn:  entry.Response.TokensIn,
		TokensOut: entry.Response.TokensOut,
		Latency:   latency,
		CreatedAt: start,
	})
	g.metrics.ObserveGeneration(t.provider, t.contentType, "cached", true, latency)
	g.log.InfoContext(ctx, "generation_cached",
		slog.String("user_id", userID),
		slog.String("provider", t.provider),
		slog.String("model", t.model),
		slog.String("type", t.contentType),
	)

	model := entry.Response.Model
	if model == "" {
		model = t.model
	}
	return &Result{
		Text: entry.Response.Text,
		Stats: Stats{
			Provider:    t.provider,
			Model:       model,
			TokensIn:    entry.Response.TokensIn,
			TokensOut:   entry.Response.TokensOut,
			Latency:     latency,
			Cached:      true,
			Fingerprint: fp,
		},
	}
}

// call runs the provider inside the retry loop. It returns the number of
// attempts that reached the provider.
func (g *Gateway) call(ctx context.Context, s settings.Settings, t target) (*providers.Completion, int, error) {
	prov, _ := g.providers.Get(t.provider)

	key, _, err := g.keys.Get(ctx, t.provider)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: load %s key: %w", t.provider, err)
	}

	creq := &providers.CompletionRequest{
		Model:       t.model,
		Prompt:      t.prompt,
		System:      t.system,
		Temperature: t.temperature,
		MaxTokens:   t.maxTokens,
		APIKey:      key.Reveal(),
	}

	var (
		comp     *providers.Completion
		attempts int
	)
	op := func() error {
		if !g.cb.Allow(t.provider) {
			return backoff.Permanent(&providers.Error{
				Provider: t.provider,
				Kind:     providers.KindNetwork,
				Message:  "provider temporarily unavailable (circuit open)",
			})
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, g.providerTimeout)
		attemptStart := g.now()
		c, err := prov.Complete(actx, creq)
		cancel()
		dur := g.now().Sub(attemptStart)

		if err == nil && strings.TrimSpace(c.Text) == "" {
			err = providers.InvalidResponse(t.provider, "empty completion")
		}
		if err != nil {
			err = providers.Classify(t.provider, err, creq.APIKey)
			return g.attemptFailed(ctx, t.provider, attempts, err, dur)
		}

		g.cb.RecordSuccess(t.provider)
		g.metrics.SetCircuitBreaker(t.provider, int64(g.cb.State(t.provider)))
		g.metrics.ObserveUpstreamAttempt(t.provider, "ok", dur)
		comp = c
		return nil
	}

	notify := func(err error, d time.Duration) {
		g.log.DebugContext(ctx, "provider_retry",
			slog.String("provider", t.provider),
			slog.Int("attempt", attempts+1),
			slog.Duration("delay", d),
		)
	}

	err = backoff.RetryNotifyWithTimer(op, retryPolicy(s, ctx), notify, g.newTimer())
	if err != nil {
		return nil, attempts, err
	}
	return comp, attempts, nil
}

// attemptFailed records a failed attempt and decides whether it may be
// retried. Non-retryable failures prove the provider is reachable, so they
// close the breaker instead of counting against it.
func (g *Gateway) attemptFailed(ctx context.Context, provider string, attempt int, err error, dur time.Duration) error {
	kind := providers.KindNetwork
	var pe *providers.Error
	if errors.As(err, &pe) {
		kind = pe.Kind
	}

	g.metrics.ObserveUpstreamAttempt(provider, kind.String(), dur)
	g.metrics.RecordProviderError(provider, kind.String())
	g.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("provider", provider),
		slog.Int("attempt", attempt),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)

	if pe != nil && !pe.Retryable() {
		g.cb.RecordSuccess(provider)
		g.metrics.SetCircuitBreaker(provider, int64(g.cb.State(provider)))
		return backoff.Permanent(err)
	}
	g.cb.RecordFailure(provider)
	g.metrics.SetCircuitBreaker(provider, int64(g.cb.State(provider)))
	return err
}

// maybeAlert notifies when this request's cost moved the month's spend
// across the alert threshold. Delivery runs in the background.
func (g *Gateway) maybeAlert(s settings.Settings, before, cost float64, now time.Time) {
	if g.notifier == nil || s.BudgetLimit <= 0 || s.BudgetAlertThreshold <= 0 || cost <= 0 {
		return
	}
	threshold := s.BudgetLimit * float64(s.BudgetAlertThreshold) / 100
	after := before + cost
	if before >= threshold || after < threshold {
		return
	}

	alert := notify.Alert{
		Month:            now.UTC().Format("2006-01"),
		Spent:            after,
		Budget:           s.BudgetLimit,
		ThresholdPercent: s.BudgetAlertThreshold,
		UsedPercent:      after / s.BudgetLimit * 100,
		Recipient:        s.NotificationEmail,
		At:               now.UTC(),
	}

	g.alerts.Add(1)
	go func() {
		defer g.alerts.Done()
		ctx, cancel := context.WithTimeout(g.baseCtx, notifyTimeout)
		defer cancel()
		if err := g.notifier.Notify(ctx, alert); err != nil {
			g.log.Warn("budget_alert_failed", slog.String("error", err.Error()))
		}
	}()
}

func (g *Gateway) recordUsage(ctx context.Context, e usage.Entry) {
	if err := g.usage.Record(ctx, e); err != nil {
		g.metrics.RecordUsageDropped()
		g.log.ErrorContext(ctx, "usage_record_failed",
			slog.String("provider", e.Provider),
			slog.String("error", err.Error()),
		)
	}
}

// reject counts a request refused before any cache or provider work.
func (g *Gateway) reject(contentType, provider string, ge *Error, start time.Time) error {
	g.metrics.ObserveGeneration(provider, contentType, ge.Kind.String(), false, g.now().Sub(start))
	return ge
}

// sanitizedMessage is the text stored in the usage log for a failure.
func sanitizedMessage(ge *Error) string {
	if ge.Detail != "" {
		return ge.Detail
	}
	return ge.Message
}
