// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse), optional
//  2. initProviders — vendor adapters and the health-probing registry
//  3. initServices  — catalog, router, breakers, cache, budget, limits
//  4. initGateway   — the HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/config"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/internal/proxy"
	"github.com/prismgate/prismgate/internal/ratelimit"
	"github.com/prismgate/prismgate/internal/registry"
	"github.com/prismgate/prismgate/internal/resilience"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/internal/semcache"
	"github.com/prismgate/prismgate/internal/track"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	reqLogger *logger.Logger
	prom      *metrics.Registry

	reg      *registry.Registry
	cat      *catalog.Map
	router   *routing.Router
	breakers *resilience.Manager
	chain    *resilience.Chain

	cache    *semcache.Cache
	embedder *semcache.EmbeddingClient
	keys     *budget.KeyStore
	enforcer *budget.Enforcer
	limiter  *ratelimit.Limiter
	tracker  *track.Tracker

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the registry probes and the HTTP server, then blocks until
// ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.reg.Start(a.baseCtx)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("strategy", a.cfg.Routing.DefaultStrategy),
		slog.Bool("cache", a.cache != nil && a.cache.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times.
func (a *App) Close() {
	if a.reg != nil {
		a.reg.Stop()
		a.reg = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
		a.chSink = nil // closed through the logger's sink
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

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging: "redis://:secret@host:6379" → "redis://***@host:6379".
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
