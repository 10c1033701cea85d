package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/internal/ratelimit"
	"github.com/prismgate/prismgate/internal/registry"
	"github.com/prismgate/prismgate/internal/resilience"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/internal/semcache"
	"github.com/prismgate/prismgate/internal/track"
)

// Options wires the gateway's collaborators. Registry, Catalog, Router,
// Breakers and Chain are required; everything else is optional and its
// absence degrades the matching feature.
type Options struct {
	Registry *registry.Registry
	Catalog  *catalog.Map
	Router   *routing.Router
	Breakers *resilience.Manager
	Chain    *resilience.Chain

	Cache      *semcache.Cache
	CacheStats *semcache.CounterStats
	Embedder   *semcache.EmbeddingClient
	Keys       *budget.KeyStore
	Enforcer   *budget.Enforcer
	Limiter    *ratelimit.Limiter
	Tracker    *track.Tracker
	Metrics    *metrics.Registry
	ReqLog     *logger.Logger

	// PersistenceReady reports sink reachability for /readiness; nil
	// means "not configured".
	PersistenceReady func() bool

	AdminKey    string
	CORSOrigins []string
	Version     string
	Log         *slog.Logger
}

// Gateway is the HTTP service.
type Gateway struct {
	registry *registry.Registry
	catalog  *catalog.Map
	router   *routing.Router
	breakers *resilience.Manager
	chain    *resilience.Chain

	cache      *semcache.Cache
	cacheStats *semcache.CounterStats
	embedder   *semcache.EmbeddingClient
	keys       *budget.KeyStore
	enforcer   *budget.Enforcer
	limiter    *ratelimit.Limiter
	tracker    *track.Tracker
	metrics    *metrics.Registry
	reqlog     *logger.Logger

	persistenceReady func() bool

	adminKey    string
	corsOrigins []string
	version     string
	log         *slog.Logger

	startTime time.Time
	srv       *fasthttp.Server
}

// New builds the Gateway from its options.
func New(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry:         opts.Registry,
		catalog:          opts.Catalog,
		router:           opts.Router,
		breakers:         opts.Breakers,
		chain:            opts.Chain,
		cache:            opts.Cache,
		cacheStats:       opts.CacheStats,
		embedder:         opts.Embedder,
		keys:             opts.Keys,
		enforcer:         opts.Enforcer,
		limiter:          opts.Limiter,
		tracker:          opts.Tracker,
		metrics:          opts.Metrics,
		reqlog:           opts.ReqLog,
		persistenceReady: opts.PersistenceReady,
		adminKey:         opts.AdminKey,
		corsOrigins:      opts.CORSOrigins,
		version:          opts.Version,
		log:              log,
		startTime:        time.Now(),
	}
}

// Handler builds the routed handler with the full middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// OpenAI-compatible surface.
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/v1/models", g.handleModels)

	// Gateway API.
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/api/providers", g.handleProviders)
	r.GET("/api/cache/stats", g.handleCacheStats)
	r.POST("/api/cache/invalidate", g.handleCacheInvalidate)
	r.GET("/api/circuit-breakers", g.handleCircuitBreakers)
	r.GET("/api/budget", g.handleBudget)
	r.GET("/api/analytics", g.handleAnalytics)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// Admin API.
	r.POST("/api/admin/keys", g.adminAuth(g.handleAdminCreateKey))
	r.GET("/api/admin/keys", g.adminAuth(g.handleAdminListKeys))
	r.DELETE("/api/admin/keys/{key}", g.adminAuth(g.handleAdminRevokeKey))
	r.GET("/api/admin/routing", g.adminAuth(g.handleAdminGetRouting))
	r.PUT("/api/admin/routing", g.adminAuth(g.handleAdminPutRouting))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.httpMetrics,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Shutdown.
func (g *Gateway) Start(addr string) error {
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second, // streams can run long
	}
	g.log.Info("gateway_listening", "addr", addr, "version", g.version)
	return g.srv.ListenAndServe(addr)
}

// Shutdown stops accepting new connections and waits for active
// requests to drain, up to 10 seconds, before forcing close.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}

	if g.tracker != nil {
		deadline := time.Now().Add(10 * time.Second)
		for g.tracker.ActiveCount() > 0 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if n := g.tracker.ActiveCount(); n > 0 {
			g.log.Warn("shutdown_forced", "active_requests", n)
		}
	}
	return g.srv.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
