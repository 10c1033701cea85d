package proxy

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/providers"
	"github.com/prismgate/prismgate/pkg/apierr"
)

// handleHealth reports overall gateway health: 200 when at least one
// provider is healthy, 503 otherwise.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	statuses := g.registry.Status()
	healthy := 0
	for _, s := range statuses {
		if s.Healthy {
			healthy++
		}
	}

	infra := map[string]string{
		"cache":       "disabled",
		"persistence": "disabled",
	}
	if g.cache != nil && g.cache.Enabled() {
		infra["cache"] = "down"
		if g.cache.Ready(ctx) {
			infra["cache"] = "up"
		}
	}
	if g.persistenceReady != nil {
		infra["persistence"] = "down"
		if g.persistenceReady() {
			infra["persistence"] = "up"
		}
	}

	status := "healthy"
	if healthy == 0 {
		status = "unhealthy"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	} else if healthy < len(statuses) {
		status = "degraded"
	}

	active := 0
	uptime := time.Since(g.startTime)
	if g.tracker != nil {
		active = g.tracker.ActiveCount()
		uptime = g.tracker.Uptime()
	}

	writeJSON(ctx, map[string]any{
		"status": status,
		"providers": map[string]any{
			"healthy": healthy,
			"total":   len(statuses),
			"details": statuses,
		},
		"infrastructure":  infra,
		"uptime_seconds":  int64(uptime.Seconds()),
		"active_requests": active,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadiness is the stricter probe for load balancers: ready only
// when a provider can serve traffic.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	for _, s := range g.registry.Status() {
		if s.Healthy {
			writeJSON(ctx, map[string]string{"status": "ready"})
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "not_ready"})
}

func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"providers": g.registry.Status()})
}

func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	out := map[string]any{}
	if g.cache != nil {
		out["cache"] = g.cache.Stats(ctx)
	}
	if g.cacheStats != nil {
		out["counters"] = g.cacheStats.Report()
	}
	writeJSON(ctx, out)
}

func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	if g.cache == nil || !g.cache.Enabled() {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "semantic cache is not enabled")
		return
	}
	var body struct {
		Pattern string `json:"pattern"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			apierr.Write(ctx, apierr.TypeInvalidRequest, "request body is not valid JSON")
			return
		}
	}
	removed := g.cache.Invalidate(ctx, body.Pattern)
	writeJSON(ctx, map[string]any{"invalidated": removed, "pattern": body.Pattern})
}

func (g *Gateway) handleCircuitBreakers(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"breakers": g.breakers.Snapshots()})
}

func (g *Gateway) handleBudget(ctx *fasthttp.RequestCtx) {
	if g.enforcer == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "budget enforcement is not enabled")
		return
	}
	writeJSON(ctx, g.enforcer.Usage())
}

func (g *Gateway) handleAnalytics(ctx *fasthttp.RequestCtx) {
	if g.tracker == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "request tracking is not enabled")
		return
	}
	writeJSON(ctx, g.tracker.Snapshot())
}

// wireModel is the OpenAI-compatible model object.
type wireModel struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Permission []any  `json:"permission"`
	Root       string `json:"root"`
	Parent     any    `json:"parent"`
}

// handleModels lists every model of every healthy provider, plus the
// virtual routing models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	now := time.Now().Unix()
	data := make([]wireModel, 0, 32)

	for _, name := range []string{providers.ModelAuto, providers.ModelFast, providers.ModelCheap, providers.ModelQuality} {
		data = append(data, wireModel{
			ID:         name,
			Object:     "model",
			Created:    now,
			OwnedBy:    "llm-gateway",
			Permission: []any{},
			Root:       name,
		})
	}
	for _, m := range g.registry.GetAllModels() {
		data = append(data, wireModel{
			ID:         m.ID,
			Object:     "model",
			Created:    m.Created,
			OwnedBy:    m.OwnedBy,
			Permission: []any{},
			Root:       m.ID,
		})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// embeddingsRequest accepts OpenAI's string-or-array input.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func (r *embeddingsRequest) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// handleEmbeddings serves embeddings from the local embedding client
// (Ollama when reachable, the deterministic fallback otherwise).
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	if g.embedder == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "embeddings are not enabled")
		return
	}

	var req embeddingsRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.TypeInvalidRequest, "request body is not valid JSON")
		return
	}
	inputs, err := req.inputs()
	if err != nil || len(inputs) == 0 {
		apierr.Write(ctx, apierr.TypeInvalidRequest, "input must be a non-empty string or array of strings")
		return
	}

	type embeddingObject struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}

	data := make([]embeddingObject, 0, len(inputs))
	promptTokens := 0
	for i, text := range inputs {
		data = append(data, embeddingObject{
			Object:    "embedding",
			Index:     i,
			Embedding: g.embedder.Embed(ctx, text),
		})
		promptTokens += providers.EstimateTokens(text)
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage": map[string]int{
			"prompt_tokens": promptTokens,
			"total_tokens":  promptTokens,
		},
	})
}
