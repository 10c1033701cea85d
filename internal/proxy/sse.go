package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/providers"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/internal/track"
	"github.com/prismgate/prismgate/pkg/apierr"
)

// streamChunk is the OpenAI-compatible SSE chunk body.
type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// streamCompletion serves one streaming request over SSE. Streams bypass
// the cache and the fallback chain: once bytes are on the wire there is
// no clean way to switch providers, so a mid-stream failure is reported
// as a terminal error frame instead.
func (g *Gateway) streamCompletion(
	ctx *fasthttp.RequestCtx,
	requestID string,
	req *ChatRequest,
	preq *providers.ChatRequest,
	adapter providers.Adapter,
	decision *routing.Decision,
	rec *budget.KeyRecord,
	start time.Time,
) {
	providerID := adapter.ID()

	// The RequestCtx is recycled once the handler returns, so the stream
	// writer below must run on a detached context.
	streamCtx, cancel := context.WithTimeout(context.Background(), providers.CompletionTimeout(providerID))

	ch, err := adapter.ChatStream(streamCtx, preq)
	if err != nil {
		cancel()
		if g.breakers != nil {
			g.breakers.RecordFailure(providerID)
		}
		if g.metrics != nil {
			g.metrics.RecordError(providerID, "stream_start")
		}
		g.endRequest(track.Completed{
			RequestID:   requestID,
			Provider:    providerID,
			Model:       decision.Model,
			Strategy:    string(decision.Strategy),
			StatusCode:  fasthttp.StatusBadGateway,
			LatencyMs:   msSince(start),
			CompletedAt: time.Now(),
		})
		g.logRequest(logger.RequestLog{
			RequestID:       requestID,
			ModelRequested:  req.Model,
			ModelUsed:       decision.Model,
			Provider:        providerID,
			RoutingStrategy: string(decision.Strategy),
			RoutingDecision: decision.Reasoning,
			LatencyMs:       msSince(start),
			StatusCode:      fasthttp.StatusBadGateway,
			ErrorMessage:    err.Error(),
			CreatedAt:       time.Now(),
		})
		apierr.Write(ctx, apierr.TypeProviderUnavailable, err.Error())
		return
	}

	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	promptTokens := providers.EstimateTokens(req.promptText())

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		st := pumpStream(w, ch, "chatcmpl-"+requestID, decision.Model, cancel)
		g.finishStream(requestID, req, decision, rec, providerID, promptTokens, st, start)
	})
}

// streamState summarizes one consumed stream.
type streamState struct {
	content      string
	failed       bool
	disconnected bool
}

// pumpStream relays chunks from ch to the client until the terminal
// chunk, an upstream error frame, or a failed write. A write failure
// means the client is gone: the producer context is cancelled and the
// pump stops consuming so the adapter halts instead of streaming into a
// dead connection.
func pumpStream(w *bufio.Writer, ch <-chan providers.StreamChunk, chunkID, model string, cancel context.CancelFunc) streamState {
	var (
		st        streamState
		finish    = "stop"
		created   = time.Now().Unix()
		roleAdded bool
	)

	for chunk := range ch {
		if chunk.FinishReason == "error" {
			// Single error frame, then close without [DONE].
			_ = writeFrame(w, apierr.Envelope(apierr.TypeStreamError, chunk.Content, nil))
			st.failed = true
			return st
		}

		st.content += chunk.Content
		out := streamChunk{
			ID:      chunkID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []streamChoice{{}},
		}
		if !roleAdded {
			out.Choices[0].Delta.Role = "assistant"
			roleAdded = true
		}
		out.Choices[0].Delta.Content = chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
			out.Choices[0].FinishReason = &finish
		}
		body, _ := json.Marshal(out)
		if err := writeFrame(w, body); err != nil {
			st.disconnected = true
			cancel()
			return st
		}

		if chunk.FinishReason != "" {
			break
		}
	}

	if err := writeFrame(w, []byte("[DONE]")); err != nil {
		st.disconnected = true
		cancel()
	}
	return st
}

// writeFrame writes one SSE frame and flushes it. bufio keeps the first
// write error sticky, so the Flush result covers the whole frame.
func writeFrame(w *bufio.Writer, body []byte) error {
	_, _ = w.WriteString("data: ")
	_, _ = w.Write(body)
	_, _ = w.WriteString("\n\n")
	return w.Flush()
}

// finishStream does the post-stream accounting. Token counts are the
// chars/4 estimate over the content actually delivered: most vendors do
// not report usage on streams, and a disconnect cuts the count short.
func (g *Gateway) finishStream(
	requestID string,
	req *ChatRequest,
	decision *routing.Decision,
	rec *budget.KeyRecord,
	providerID string,
	promptTokens int,
	st streamState,
	start time.Time,
) {
	completionTokens := providers.EstimateTokens(st.content)
	totalTokens := promptTokens + completionTokens
	latencyMs := msSince(start)

	usage := providers.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
	}
	cost, _ := g.requestCost(providerID, decision.Model, nil, usage)

	status := fasthttp.StatusOK
	errMsg := ""
	switch {
	case st.failed:
		status = fasthttp.StatusBadGateway
		errMsg = "stream aborted"
		if g.breakers != nil {
			g.breakers.RecordFailure(providerID)
		}
		if g.metrics != nil {
			g.metrics.RecordError(providerID, "stream_error")
		}
	case st.disconnected:
		// The provider was fine and the client left; the breaker sees
		// neither success nor failure.
		errMsg = "client disconnected"
	default:
		if g.breakers != nil {
			g.breakers.RecordSuccess(providerID)
		}
	}

	g.catalog.UpdateLatency(providerID, decision.Model, latencyMs)
	if g.metrics != nil {
		g.metrics.RecordRequest(providerID, decision.Model, status, string(decision.Strategy))
		g.metrics.ObserveLatency(providerID, decision.Model, time.Since(start))
		g.metrics.AddTokens(providerID, decision.Model, promptTokens, completionTokens)
		g.metrics.AddCost(providerID, decision.Model, cost)
	}
	if g.enforcer != nil {
		g.enforcer.RecordGlobalUsage(int64(totalTokens), cost)
	}
	if rec != nil && g.keys != nil {
		g.keys.RecordUsage(rec.ID, int64(totalTokens), cost)
	}
	g.endRequest(track.Completed{
		RequestID:   requestID,
		Provider:    providerID,
		Model:       decision.Model,
		Strategy:    string(decision.Strategy),
		StatusCode:  status,
		LatencyMs:   latencyMs,
		CostUSD:     cost,
		CompletedAt: time.Now(),
	})
	g.logRequest(logger.RequestLog{
		RequestID:        requestID,
		ModelRequested:   req.Model,
		ModelUsed:        decision.Model,
		Provider:         providerID,
		RoutingStrategy:  string(decision.Strategy),
		RoutingDecision:  decision.Reasoning,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		LatencyMs:        latencyMs,
		CostUSD:          cost,
		StatusCode:       status,
		ErrorMessage:     errMsg,
		CreatedAt:        time.Now(),
	})
}
