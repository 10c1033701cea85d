package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/logger"
	"github.com/prismgate/prismgate/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureLogSink records request-log rows for assertions.
type captureLogSink struct {
	mu   sync.Mutex
	rows []logger.RequestLog
}

func (s *captureLogSink) WriteBatch(ctx context.Context, rows []logger.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *captureLogSink) Close() error { return nil }

func TestServeCacheHit_CorruptEntryReportsMiss(t *testing.T) {
	g := &Gateway{log: discardLogger()}
	ctx := &fasthttp.RequestCtx{}
	req := validRequest()

	if g.serveCacheHit(ctx, "req-1", &req, json.RawMessage("{not-json"), time.Now()) {
		t.Fatal("an unreadable cached payload must not be served")
	}
	if len(ctx.Response.Body()) != 0 {
		t.Errorf("no body should be written for an unreadable entry, got %s", ctx.Response.Body())
	}
	if ctx.Response.StatusCode() == fasthttp.StatusInternalServerError {
		t.Error("an unreadable entry must not surface as a server error")
	}
}

func TestServeCacheHit_ReplaysCachedResponse(t *testing.T) {
	cached := ChatResponse{
		ID:      "chatcmpl-old",
		Object:  "chat.completion",
		Model:   "gpt-4o",
		Choices: []Choice{{Message: Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
		Usage:   Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		Gateway: &GatewayMeta{Provider: "openai", CostUSD: 0.01},
	}
	body, _ := json.Marshal(cached)

	g := &Gateway{log: discardLogger()}
	ctx := &fasthttp.RequestCtx{}
	req := validRequest()

	if !g.serveCacheHit(ctx, "req-9", &req, body, time.Now()) {
		t.Fatal("a readable cached payload must be served")
	}

	var resp ChatResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "chatcmpl-req-9" {
		t.Errorf("response id should use the fresh request id, got %s", resp.ID)
	}
	if resp.Gateway == nil || !resp.Gateway.CacheHit || resp.Gateway.CostUSD != 0 {
		t.Errorf("gateway meta should mark a free cache hit, got %+v", resp.Gateway)
	}
}

func TestHandleChat_RateLimitDenialLogged(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	keys := budget.NewKeyStore("dev")
	rec := keys.Create(budget.KeyOptions{Name: "svc", RateLimitRPM: 1})

	sink := &captureLogSink{}
	reqlog, err := logger.New(context.Background(), sink, time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	limiter := ratelimit.New(rdb, discardLogger())
	g := &Gateway{
		keys:    keys,
		limiter: limiter,
		reqlog:  reqlog,
		log:     discardLogger(),
	}

	// Burn the single RPM slot so the handler's check is denied.
	limiter.AllowRPM(context.Background(), rec.ID, 1)

	ctx := &fasthttp.RequestCtx{}
	// Init wires the fake server so the ctx is usable as a context.Context
	// (the handler passes it to the Redis-backed limiter).
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.Set("Authorization", "Bearer "+rec.Key)
	ctx.Request.SetBody([]byte(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	g.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", ctx.Response.StatusCode())
	}

	if err := reqlog.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}
	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 logged row for the denial, got %d", len(sink.rows))
	}
	row := sink.rows[0]
	if row.StatusCode != fasthttp.StatusTooManyRequests {
		t.Errorf("row status should be 429, got %d", row.StatusCode)
	}
	if row.ErrorMessage != "rate limit exceeded" {
		t.Errorf("unexpected error message: %q", row.ErrorMessage)
	}
	if row.ModelRequested != "auto" {
		t.Errorf("row should carry the requested model, got %q", row.ModelRequested)
	}
}
