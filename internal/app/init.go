package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/config"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/internal/providers"
	anthropicprov "github.com/prismgate/prismgate/internal/providers/anthropic"
	geminiprov "github.com/prismgate/prismgate/internal/providers/gemini"
	ollamaprov "github.com/prismgate/prismgate/internal/providers/ollama"
	openaiprov "github.com/prismgate/prismgate/internal/providers/openai"
	openaicompatprov "github.com/prismgate/prismgate/internal/providers/openaicompat"
	"github.com/prismgate/prismgate/internal/proxy"
	"github.com/prismgate/prismgate/internal/ratelimit"
	"github.com/prismgate/prismgate/internal/registry"
	"github.com/prismgate/prismgate/internal/resilience"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/internal/semcache"
	"github.com/prismgate/prismgate/internal/track"
)

// initInfra establishes the optional external connections. Both Redis
// and ClickHouse degrade gracefully when absent: the cache and rate
// limiter switch off, request logs fall back to stdout.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			a.log.Warn("redis unavailable, cache and rate limiting disabled",
				slog.String("error", err.Error()))
		} else {
			a.rdb = rdb
			a.log.Info("redis connected")
		}
	}

	if a.cfg.ClickHouse.Addr != "" {
		sink, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			a.log.Warn("clickhouse unavailable, request logs go to stdout",
				slog.String("error", err.Error()))
		} else {
			a.chSink = sink
			a.log.Info("clickhouse connected", slog.String("addr", a.cfg.ClickHouse.Addr))
		}
	}

	return nil
}

// initProviders builds the adapters and the health-probing registry.
// The prometheus registry is created here too because the provider
// registry publishes health gauges into it.
func (a *App) initProviders(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.reg = registry.New(a.prom, a.log)
	for _, adapter := range buildAdapters(ctx, a.cfg, a.log) {
		a.reg.Register(adapter)
	}
	if len(a.reg.GetAll()) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0)
	for _, adapter := range a.reg.GetAll() {
		names = append(names, adapter.ID())
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates everything between the adapters and the HTTP
// surface: catalog, router, breakers, fallback chain, semantic cache,
// key store, budget enforcer, rate limiter, request tracker and the
// async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.cat = catalog.New()

	a.breakers = resilience.NewManager(resilience.BreakerConfig{
		FailureThreshold:    a.cfg.Breaker.FailureThreshold,
		ResetTimeout:        a.cfg.Breaker.ResetTimeout,
		HalfOpenMaxAttempts: a.cfg.Breaker.HalfOpenMaxAttempts,
	}, a.prom)

	a.router = routing.New(a.cat, a.reg, routing.Config{
		DefaultStrategy: routing.Strategy(a.cfg.Routing.DefaultStrategy),
		Constraints:     routing.Constraints{PreferLocal: a.cfg.Routing.PreferLocal},
		FallbackChain:   a.cfg.Routing.FallbackChain,
	})

	a.chain = resilience.NewChain(a.reg, a.breakers, a.cfg.Routing.MaxRetries, a.log)

	a.embedder = semcache.NewEmbeddingClient(a.cfg.OllamaURL)
	if a.rdb != nil && a.cfg.Cache.Enabled {
		a.cache = semcache.New(a.rdb, a.embedder, semcache.Config{
			Enabled:    true,
			Threshold:  a.cfg.Cache.SimilarityThreshold,
			TTL:        a.cfg.Cache.TTL,
			MaxEntries: a.cfg.Cache.MaxEntries,
		}, a.log)
		a.log.Info("semantic cache enabled",
			slog.Float64("threshold", a.cfg.Cache.SimilarityThreshold),
			slog.Duration("ttl", a.cfg.Cache.TTL),
		)
	}

	a.keys = budget.NewKeyStore(a.cfg.Env)
	a.enforcer = budget.NewEnforcer(a.cfg.Budget.GlobalTokenBudget, a.cfg.Budget.GlobalCostBudget)
	if a.rdb != nil {
		a.limiter = ratelimit.New(a.rdb, a.log)
	}
	a.tracker = track.New()

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	reqLogger, err := logger.New(a.baseCtx, sink, logger.DefaultFlushInterval, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	var persistenceReady func() bool
	if a.chSink != nil {
		sink := a.chSink
		persistenceReady = func() bool {
			ctx, cancel := context.WithTimeout(a.baseCtx, time.Second)
			defer cancel()
			return sink.Ready(ctx)
		}
	}

	a.gw = proxy.New(proxy.Options{
		Registry:         a.reg,
		Catalog:          a.cat,
		Router:           a.router,
		Breakers:         a.breakers,
		Chain:            a.chain,
		Cache:            a.cache,
		CacheStats:       semcache.NewCounterStats(),
		Embedder:         a.embedder,
		Keys:             a.keys,
		Enforcer:         a.enforcer,
		Limiter:          a.limiter,
		Tracker:          a.tracker,
		Metrics:          a.prom,
		ReqLog:           a.reqLogger,
		PersistenceReady: persistenceReady,
		AdminKey:         a.cfg.AdminKey,
		CORSOrigins:      a.cfg.CORSOrigins,
		Version:          a.version,
		Log:              a.log,
	})

	return nil
}

// buildAdapters creates one adapter per configured credential.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) []providers.Adapter {
	var adapters []providers.Adapter

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters = append(adapters, openaiprov.New(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters = append(adapters, anthropicprov.New(cfg.Anthropic.APIKey, opts...))
	}
	if cfg.Groq.APIKey != "" {
		adapters = append(adapters, openaicompatprov.Groq(cfg.Groq.APIKey, cfg.Groq.BaseURL))
	}
	if cfg.Together.APIKey != "" {
		adapters = append(adapters, openaicompatprov.Together(cfg.Together.APIKey, cfg.Together.BaseURL))
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		adapter, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			log.Warn("gemini adapter init failed", slog.String("error", err.Error()))
		} else {
			adapters = append(adapters, adapter)
		}
	}
	if cfg.OllamaURL != "" {
		adapters = append(adapters, ollamaprov.New(ollamaprov.WithBaseURL(cfg.OllamaURL)))
	}

	return adapters
}
