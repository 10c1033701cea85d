package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/providers"
	"github.com/prismgate/prismgate/internal/ratelimit"
	"github.com/prismgate/prismgate/internal/resilience"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/internal/track"
	"github.com/prismgate/prismgate/pkg/apierr"
)

// asyncOpTimeout bounds the detached post-response work (cache store,
// usage accounting) so it cannot leak goroutines on a stuck Redis.
const asyncOpTimeout = 5 * time.Second

// handleChatCompletions is the main pipeline:
// parse → auth → budget → rate limit → cache → route → execute.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	requestID, _ := ctx.UserValue("request_id").(string)

	var req ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.TypeInvalidRequest, "request body is not valid JSON")
		return
	}
	if problems := req.Validate(); problems != nil {
		apierr.WriteDetails(ctx, apierr.TypeInvalidRequest, "invalid request", problems)
		return
	}

	if g.tracker != nil {
		g.tracker.Begin(requestID)
	}

	// fail finishes an admitted request on an error path: tracker,
	// request log, metrics, then the error envelope.
	fail := func(errType, message string, details any) {
		status := apierr.Status(errType)
		g.endRequest(track.Completed{
			RequestID:   requestID,
			Model:       req.Model,
			StatusCode:  status,
			LatencyMs:   msSince(start),
			CompletedAt: time.Now(),
		})
		g.logRequest(logger.RequestLog{
			RequestID:      requestID,
			ModelRequested: req.Model,
			LatencyMs:      msSince(start),
			StatusCode:     status,
			ErrorMessage:   message,
			CreatedAt:      time.Now(),
		})
		apierr.WriteDetails(ctx, errType, message, details)
	}

	// ── Authentication ────────────────────────────────────────────────────────
	var rec *budget.KeyRecord
	if g.keys != nil {
		if token := bearerToken(ctx); token != "" {
			r, ok := g.keys.Validate(token)
			if !ok {
				fail(apierr.TypeAuthentication, "invalid API key", nil)
				return
			}
			rec = r
		}
		// The x-budget-key extension attributes usage to another key
		// (service accounts proxying for their tenants).
		if req.BudgetKey != "" {
			r, ok := g.keys.Validate(req.BudgetKey)
			if !ok {
				fail(apierr.TypeAuthentication, "unknown x-budget-key", nil)
				return
			}
			rec = r
		}
	}

	// ── Budget ────────────────────────────────────────────────────────────────
	if g.enforcer != nil {
		dec := g.enforcer.CheckBudget(rec)
		if !dec.Allowed {
			fail(apierr.TypeBudgetExceeded, dec.Reason, map[string]any{
				"token_usage_percent": dec.TokenUsagePercent,
				"cost_usage_percent":  dec.CostUsagePercent,
			})
			return
		}
		if dec.AlertThreshold > 0 {
			g.log.Warn("budget_alert",
				"request_id", requestID,
				"threshold_percent", dec.AlertThreshold,
				"token_usage_percent", dec.TokenUsagePercent,
				"cost_usage_percent", dec.CostUsagePercent,
			)
		}
	}

	// ── Rate limits ───────────────────────────────────────────────────────────
	prompt := req.promptText()
	if g.limiter != nil && rec != nil {
		denyRateLimit := func(res ratelimit.Result) {
			apierr.WriteRateLimit(ctx, res.Limit, res.Remaining, res.RetryAfter)
			g.endRequest(track.Completed{
				RequestID:   requestID,
				Model:       req.Model,
				StatusCode:  fasthttp.StatusTooManyRequests,
				LatencyMs:   msSince(start),
				CompletedAt: time.Now(),
			})
			g.logRequest(logger.RequestLog{
				RequestID:      requestID,
				ModelRequested: req.Model,
				LatencyMs:      msSince(start),
				StatusCode:     fasthttp.StatusTooManyRequests,
				ErrorMessage:   "rate limit exceeded",
				CreatedAt:      time.Now(),
			})
		}

		if rec.RateLimitRPM > 0 {
			res := g.limiter.AllowRPM(ctx, rec.ID, rec.RateLimitRPM)
			g.recordRateLimit(res.Allowed)
			if !res.Allowed {
				denyRateLimit(res)
				return
			}
		}
		if rec.RateLimitTPM > 0 {
			estTokens := providers.EstimateTokens(prompt) + req.MaxTokens
			res := g.limiter.AllowTPM(ctx, rec.ID, estTokens, rec.RateLimitTPM)
			g.recordRateLimit(res.Allowed)
			if !res.Allowed {
				denyRateLimit(res)
				return
			}
		}
	}

	// ── Semantic cache ────────────────────────────────────────────────────────
	cacheEligible := !req.Stream && req.CacheEnabled() && g.cache != nil && g.cache.Enabled()
	if cacheEligible {
		hit := g.cache.Lookup(ctx, prompt, req.Model)
		if hit != nil && g.serveCacheHit(ctx, requestID, &req, hit.Response, start) {
			return
		}
		// No hit, or the stored payload was unreadable: route as a miss.
		if g.metrics != nil {
			g.metrics.CacheMiss()
		}
		if g.cacheStats != nil {
			g.cacheStats.RecordMiss(req.Model)
		}
	}

	// ── Routing ───────────────────────────────────────────────────────────────
	preq := req.toProviderRequest(requestID)
	decision, err := g.router.Route(preq, req.RoutingStrategy, req.PreferProvider)
	if err != nil {
		if errors.Is(err, routing.ErrNoProviders) {
			fail(apierr.TypeServiceUnavailable, "no healthy providers available", nil)
			return
		}
		fail(apierr.TypeServerError, err.Error(), nil)
		return
	}
	preq.Model = decision.Model

	primary, ok := g.registry.Get(decision.Provider)
	if !ok {
		fail(apierr.TypeServiceUnavailable, "routed provider is not registered", nil)
		return
	}

	if req.Stream {
		g.streamCompletion(ctx, requestID, &req, preq, primary, decision, rec, start)
		return
	}

	// ── Execute with fallback ─────────────────────────────────────────────────
	outcome, err := g.chain.Execute(ctx, preq, primary, g.router.Config().FallbackChain)
	if err != nil {
		var allFailed *resilience.AllFailedError
		if errors.As(err, &allFailed) {
			g.recordAttemptErrors(allFailed.Attempts)
			fail(apierr.TypeAllProvidersFailed, err.Error(), map[string]any{
				"attempts": allFailed.Attempts,
			})
			return
		}
		fail(apierr.TypeServerError, err.Error(), nil)
		return
	}

	result := outcome.Result
	modelUsed := result.Model
	if modelUsed == "" {
		modelUsed = decision.Model
	}
	latencyMs := msSince(start)

	cost, costEstimated := g.requestCost(outcome.Provider, modelUsed, preq, result.Usage)
	reasoning := decision.Reasoning
	if costEstimated {
		reasoning += " (cost estimated)"
	}

	meta := &GatewayMeta{
		Provider:        outcome.Provider,
		RoutingDecision: reasoning,
		LatencyMs:       latencyMs,
		CostUSD:         cost,
		FallbackUsed:    outcome.FallbackUsed,
	}
	resp := newChatResponse(requestID, modelUsed, result, meta)
	writeJSON(ctx, resp)

	g.catalog.UpdateLatency(outcome.Provider, modelUsed, latencyMs)
	if g.metrics != nil {
		g.metrics.RecordRequest(outcome.Provider, modelUsed, fasthttp.StatusOK, string(decision.Strategy))
		g.metrics.ObserveLatency(outcome.Provider, modelUsed, time.Since(start))
		g.metrics.AddTokens(outcome.Provider, modelUsed, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		g.metrics.AddCost(outcome.Provider, modelUsed, cost)
	}
	if g.enforcer != nil {
		g.enforcer.RecordGlobalUsage(int64(result.Usage.TotalTokens), cost)
	}
	g.endRequest(track.Completed{
		RequestID:   requestID,
		Provider:    outcome.Provider,
		Model:       modelUsed,
		Strategy:    string(decision.Strategy),
		StatusCode:  fasthttp.StatusOK,
		LatencyMs:   latencyMs,
		CostUSD:     cost,
		CompletedAt: time.Now(),
	})
	g.logRequest(logger.RequestLog{
		RequestID:        requestID,
		ModelRequested:   req.Model,
		ModelUsed:        modelUsed,
		Provider:         outcome.Provider,
		RoutingStrategy:  string(decision.Strategy),
		RoutingDecision:  reasoning,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		LatencyMs:        latencyMs,
		CostUSD:          cost,
		FallbackUsed:     outcome.FallbackUsed,
		StatusCode:       fasthttp.StatusOK,
		CreatedAt:        time.Now(),
	})

	// Detached post-response work: cache store and per-key accounting.
	if cacheEligible {
		body, _ := json.Marshal(resp)
		go func() {
			c, cancel := context.WithTimeout(context.Background(), asyncOpTimeout)
			defer cancel()
			g.cache.Store(c, prompt, req.Model, body)
		}()
	}
	if rec != nil {
		keyID := rec.ID
		tokens := int64(result.Usage.TotalTokens)
		go g.keys.RecordUsage(keyID, tokens, cost)
	}
}

// serveCacheHit replays a cached response under a fresh request id. It
// reports false when the stored payload is unreadable; the caller then
// falls through to the normal route-and-execute path as a miss.
func (g *Gateway) serveCacheHit(ctx *fasthttp.RequestCtx, requestID string, req *ChatRequest, cached json.RawMessage, start time.Time) bool {
	var resp ChatResponse
	if err := json.Unmarshal(cached, &resp); err != nil {
		g.log.Warn("cache_entry_corrupt", "request_id", requestID, "error", err)
		return false
	}

	latencyMs := msSince(start)
	resp.ID = "chatcmpl-" + requestID
	savings := 0.0
	provider := "cache"
	if resp.Gateway != nil {
		savings = resp.Gateway.CostUSD
		if resp.Gateway.Provider != "" {
			provider = resp.Gateway.Provider
		}
		resp.Gateway.CacheHit = true
		resp.Gateway.LatencyMs = latencyMs
		resp.Gateway.CostUSD = 0
		resp.Gateway.FallbackUsed = false
	} else {
		resp.Gateway = &GatewayMeta{Provider: provider, CacheHit: true, LatencyMs: latencyMs}
	}
	writeJSON(ctx, &resp)

	if g.metrics != nil {
		g.metrics.CacheHit()
		g.metrics.RecordRequest(provider, resp.Model, fasthttp.StatusOK, "cache")
	}
	if g.cacheStats != nil {
		g.cacheStats.RecordHit(req.Model, savings)
	}
	g.endRequest(track.Completed{
		RequestID:   requestID,
		Provider:    provider,
		Model:       resp.Model,
		Strategy:    "cache",
		StatusCode:  fasthttp.StatusOK,
		LatencyMs:   latencyMs,
		CacheHit:    true,
		CompletedAt: time.Now(),
	})
	g.logRequest(logger.RequestLog{
		RequestID:        requestID,
		ModelRequested:   req.Model,
		ModelUsed:        resp.Model,
		Provider:         provider,
		RoutingStrategy:  "cache",
		RoutingDecision:  "semantic cache hit",
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		LatencyMs:        latencyMs,
		CacheHit:         true,
		StatusCode:       fasthttp.StatusOK,
		CreatedAt:        time.Now(),
	})
	return true
}

// requestCost prices the finished request: catalog rates when the model
// is profiled, otherwise the adapter's own estimate.
func (g *Gateway) requestCost(provider, model string, preq *providers.ChatRequest, usage providers.Usage) (cost float64, estimated bool) {
	if profile, ok := g.catalog.GetProfile(provider, model); ok {
		cost = float64(usage.PromptTokens)/1000*profile.CostIn1k +
			float64(usage.CompletionTokens)/1000*profile.CostOut1k
		return cost, false
	}
	if preq != nil {
		if adapter, ok := g.registry.Get(provider); ok {
			return adapter.EstimateCost(preq).EstimatedCostUSD, true
		}
	}
	return 0, true
}

func (g *Gateway) recordRateLimit(allowed bool) {
	if g.metrics == nil {
		return
	}
	if allowed {
		g.metrics.RecordRateLimit("allowed")
	} else {
		g.metrics.RecordRateLimit("denied")
	}
}

// recordAttemptErrors feeds the provider-error counter; breaker-rejected
// skips are not upstream errors and are left out.
func (g *Gateway) recordAttemptErrors(attempts []resilience.Attempt) {
	if g.metrics == nil {
		return
	}
	for _, a := range attempts {
		if a.Success || strings.Contains(a.Error, "Circuit breaker open") {
			continue
		}
		g.metrics.RecordError(a.Provider, "completion")
	}
}

func (g *Gateway) endRequest(c track.Completed) {
	if g.tracker != nil {
		g.tracker.End(c)
	}
}

func (g *Gateway) logRequest(row logger.RequestLog) {
	if g.reqlog != nil {
		g.reqlog.Log(row)
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
