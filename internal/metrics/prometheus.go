// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// A nil *Registry is valid and records nothing, so components can take an
// optional registry without guarding every call.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// contentgen_inflight_requests
	inFlight prometheus.Gauge

	// contentgen_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// contentgen_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// contentgen_generations_total{provider,type,outcome}
	generationsTotal *prometheus.CounterVec

	// contentgen_generation_duration_seconds{provider,cache}
	generationDuration *prometheus.HistogramVec

	// contentgen_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// contentgen_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// contentgen_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// contentgen_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// contentgen_cost_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// contentgen_blocked_requests_total{reason}
	blocked *prometheus.CounterVec

	// contentgen_notifications_total{channel,result}
	notifications *prometheus.CounterVec

	// contentgen_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// contentgen_circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// contentgen_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// contentgen_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// contentgen_usage_entries_dropped_total
	usageDropped prometheus.Counter

	// contentgen_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contentgen_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentgen_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_generations_total",
				Help: "Generation requests by final outcome",
			},
			[]string{"provider", "type", "outcome"},
		),

		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentgen_generation_duration_seconds",
				Help:    "End-to-end generation duration including retries",
				Buckets: durationBuckets,
			},
			[]string{"provider", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_upstream_attempts_total",
				Help: "Provider attempts, one per try inside the retry loop",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentgen_upstream_attempt_duration_seconds",
				Help:    "Provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_tokens_total",
				Help: "Tokens consumed from providers (cache hits excluded)",
			},
			[]string{"provider", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_cost_usd_total",
				Help: "Estimated provider spend in USD",
			},
			[]string{"provider", "model"},
		),

		blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_blocked_requests_total",
				Help: "Requests refused before any provider call",
			},
			[]string{"reason"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_notifications_total",
				Help: "Budget alert deliveries by channel and result",
			},
			[]string{"channel", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_provider_errors_total",
				Help: "Provider errors by kind",
			},
			[]string{"provider", "kind"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contentgen_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contentgen_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentgen_usage_entries_dropped_total",
			Help: "Usage entries that could not be recorded",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contentgen_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.generationsTotal,
		r.generationDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheOps,
		r.tokensTotal,
		r.costTotal,
		r.blocked,
		r.notifications,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.providerHealth,
		r.usageDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveGeneration records the final outcome of one Generate call. outcome
// is "ok", "cached" or a gateway error kind.
func (r *Registry) ObserveGeneration(provider, contentType, outcome string, cached bool, dur time.Duration) {
	if r == nil {
		return
	}
	r.generationsTotal.WithLabelValues(provider, contentType, outcome).Inc()
	cache := "miss"
	if cached {
		cache = "hit"
	}
	r.generationDuration.WithLabelValues(provider, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordCacheOp counts a cache operation, e.g. ("get", "hit") or ("put", "error").
func (r *Registry) RecordCacheOp(op, result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(op, result).Inc()
	}
}

// AddUsage adds the tokens and cost of one provider response.
func (r *Registry) AddUsage(provider, model string, tokensIn, tokensOut int, cost float64) {
	if r == nil {
		return
	}
	if tokensIn > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(tokensOut))
	}
	if cost > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// RecordBlocked counts a request refused by a gate ("budget", "daily_limit",
// "rate_limit", "disabled").
func (r *Registry) RecordBlocked(reason string) {
	if r != nil {
		r.blocked.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RecordNotification(channel string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.notifications.WithLabelValues(channel, result).Inc()
}

func (r *Registry) RecordProviderError(provider, kind string) {
	if r != nil {
		r.providerErrors.WithLabelValues(provider, kind).Inc()
	}
}

func (r *Registry) RecordUsageDropped() {
	if r != nil {
		r.usageDropped.Inc()
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
