// Package server exposes the generation gateway and its administration
// endpoints over HTTP (fasthttp).
package server

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/contentgen-gateway/internal/cache"
	"github.com/nulpointcorp/contentgen-gateway/internal/gateway"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	maxBodySize = 1 << 20
)

// Options holds the Server dependencies. Gateway, Settings, Keys, Templates
// and Usage are required.
type Options struct {
	Gateway   *gateway.Gateway
	Health    *gateway.HealthChecker
	Settings  settings.Store
	Keys      keys.Store
	Templates prompt.Store
	Usage     usage.Store
	// Cache is nil when caching is disabled.
	Cache   cache.Cache
	Metrics *metrics.Registry
	Auth    *Authenticator
	Logger  *slog.Logger

	// CORSOrigins: empty or ["*"] allows any origin.
	CORSOrigins []string
	Version     string
}

// Server is the HTTP API.
type Server struct {
	gw        *gateway.Gateway
	health    *gateway.HealthChecker
	settings  settings.Store
	keys      keys.Store
	templates prompt.Store
	usage     usage.Store
	cache     cache.Cache
	metrics   *metrics.Registry
	auth      *Authenticator
	log       *slog.Logger

	corsOrigins []string
	version     string
	now         func() time.Time

	srv *fasthttp.Server
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator("")
	}
	s := &Server{
		gw:          opts.Gateway,
		health:      opts.Health,
		settings:    opts.Settings,
		keys:        opts.Keys,
		templates:   opts.Templates,
		usage:       opts.Usage,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		auth:        auth,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		version:     opts.Version,
		now:         time.Now,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "contentgen-gateway",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Minute,
		MaxRequestBodySize: maxBodySize,
	}
	return s
}

// Handler builds the routed handler with the full middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/v1/generate", s.handleGenerate)

	r.GET("/v1/usage/stats", adminOnly(s.handleUsageStats))
	r.GET("/v1/usage/export", adminOnly(s.handleUsageExport))

	r.GET("/v1/cache/stats", adminOnly(s.handleCacheStats))
	r.DELETE("/v1/cache", adminOnly(s.handleCacheClear))

	r.GET("/v1/settings", adminOnly(s.handleSettingsGet))
	r.PUT("/v1/settings", adminOnly(s.handleSettingsUpdate))
	r.POST("/v1/settings/reset", adminOnly(s.handleSettingsReset))

	r.GET("/v1/keys", adminOnly(s.handleKeysList))
	r.PUT("/v1/keys/{provider}", adminOnly(s.handleKeySet))
	r.DELETE("/v1/keys/{provider}", adminOnly(s.handleKeyDelete))

	r.GET("/v1/templates", adminOnly(s.handleTemplatesList))
	r.GET("/v1/templates/{type}", adminOnly(s.handleTemplateGet))
	r.PUT("/v1/templates/{type}", adminOnly(s.handleTemplatePut))
	r.DELETE("/v1/templates/{type}", adminOnly(s.handleTemplateDelete))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		observe(s.metrics),
		corsHandler(s.corsOrigins),
		securityHeaders,
		s.auth.Middleware(isPublic),
	)
}

func isPublic(path string) bool {
	switch path {
	case "/health", "/readiness", "/metrics":
		return true
	}
	return false
}

// ListenAndServe serves HTTP on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("http_listening", slog.String("addr", addr), slog.Bool("dev_auth", s.auth.DevMode()))
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
