package apierr

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		errType string
		want    int
	}{
		{TypeInvalidRequest, 400},
		{TypeAuthentication, 401},
		{TypeBudgetExceeded, 429},
		{TypeRateLimit, 429},
		{TypeProviderUnavailable, 502},
		{TypeAllProvidersFailed, 502},
		{TypeModelNotFound, 404},
		{TypeServiceUnavailable, 503},
		{TypeStreamError, 500},
		{TypeServerError, 500},
		{"something_else", 500},
	}
	for _, tt := range tests {
		if got := Status(tt.errType); got != tt.want {
			t.Errorf("Status(%s) = %d, want %d", tt.errType, got, tt.want)
		}
	}
}

func TestWrite_EnvelopeShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, TypeAuthentication, "invalid API key")

	if ctx.Response.StatusCode() != 401 {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.ContentType()); got != "application/json" {
		t.Errorf("expected application/json, got %s", got)
	}

	var body struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Type != TypeAuthentication || body.Error.Message != "invalid API key" {
		t.Errorf("unexpected envelope: %+v", body.Error)
	}
	if body.Error.Details != nil {
		t.Errorf("details should be omitted, got %v", body.Error.Details)
	}
}

func TestWriteDetails_CarriesPayload(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteDetails(ctx, TypeInvalidRequest, "validation failed", map[string]string{
		"model": "model is required",
	})

	var body struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Details["model"] != "model is required" {
		t.Errorf("details not carried, got %v", body.Error.Details)
	}
}

func TestWriteRateLimit_Headers(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 60, 0, 2500*time.Millisecond)

	if ctx.Response.StatusCode() != 429 {
		t.Errorf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "3" {
		t.Errorf("retry-after should round up to 3, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Limit")); got != "60" {
		t.Errorf("unexpected limit header: %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Remaining")); got != "0" {
		t.Errorf("unexpected remaining header: %q", got)
	}
	reset := string(ctx.Response.Header.Peek("X-RateLimit-Reset"))
	if ts, err := strconv.ParseInt(reset, 10, 64); err != nil || ts < time.Now().Unix() {
		t.Errorf("reset should be a future unix timestamp, got %q", reset)
	}
}

func TestWriteRateLimit_MinimumOneSecond(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 60, 59, 10*time.Millisecond)
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "1" {
		t.Errorf("retry-after floor is 1 second, got %q", got)
	}
}
