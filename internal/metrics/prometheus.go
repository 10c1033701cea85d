// Package metrics provides the gateway's Prometheus registry.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,model,status,strategy}
	requestsTotal *prometheus.CounterVec

	// gateway_request_latency_seconds{provider,model}
	latency *prometheus.HistogramVec

	// gateway_tokens_total{direction,provider,model}
	tokensTotal *prometheus.CounterVec

	// gateway_cost_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// gateway_cache_hits_total / gateway_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=half-open, 2=open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates the registry with all series registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total chat completion requests by provider, model, status and routing strategy",
			},
			[]string{"provider", "model", "status", "strategy"},
		),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_latency_seconds",
				Help:    "Upstream completion latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage derived from upstream usage fields",
			},
			[]string{"direction", "provider", "model"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Accumulated request cost in USD",
			},
			[]string{"provider", "model"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total semantic cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total semantic cache misses",
		}),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.latency,
		r.tokensTotal,
		r.costTotal,
		r.cacheHits,
		r.cacheMisses,
		r.providerErrors,
		r.circuitBreakerState,
		r.rateLimitTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RecordRequest counts one completed chat request.
func (r *Registry) RecordRequest(provider, model string, statusCode int, strategy string) {
	r.requestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode), strategy).Inc()
}

// ObserveLatency records the upstream completion latency.
func (r *Registry) ObserveLatency(provider, model string, dur time.Duration) {
	r.latency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

// AddTokens counts prompt and completion tokens.
func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues("input", provider, model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues("output", provider, model).Add(float64(outputTokens))
	}
}

// AddCost accumulates spend in USD.
func (r *Registry) AddCost(provider, model string, costUSD float64) {
	if costUSD > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(costUSD)
	}
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetBreakerState implements resilience.StateObserver.
func (r *Registry) SetBreakerState(provider string, state int) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetProviderHealth implements registry.HealthObserver.
func (r *Registry) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

// SetBuildInfo pins the build-info gauge so the series always exists.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records per-route HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// Handler serves the Prometheus text exposition.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry (tests).
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
