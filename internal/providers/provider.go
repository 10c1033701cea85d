// Package providers defines the adapter contract shared by all upstream
// model vendors (OpenAI, Anthropic, Groq, Together, Ollama, Gemini).
//
// Each vendor lives in its own sub-package and implements the Adapter
// interface. Adapters are stateless apart from their API key and endpoint;
// they never retry internally — failover is the resilience layer's job.
package providers

import (
	"context"
	"fmt"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// ChatRequest — normalized chat completion request handed to an adapter.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		MaxTokens   int
		Temperature float64
		TopP        float64
		Stop        []string
		RequestID   string
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}

	// ChatResult — normalized adapter response.
	ChatResult struct {
		Content      string
		FinishReason string // stop | length | content_filter
		Model        string
		Usage        Usage
	}

	// StreamChunk is a single token chunk delivered during a streaming
	// response. A non-empty FinishReason marks the terminal chunk.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// ModelInfo describes one model advertised by an adapter.
	ModelInfo struct {
		ID       string
		Provider string
		Created  int64
		OwnedBy  string
	}

	// HealthStatus is the result of a single health probe.
	HealthStatus struct {
		Healthy   bool
		LatencyMs int64
		Message   string
	}

	// CostEstimate is a pre-flight cost approximation for a request.
	CostEstimate struct {
		EstimatedInputTokens  int
		EstimatedOutputTokens int
		EstimatedCostUSD      float64
	}
)

// Adapter is a uniform interface over one upstream model vendor.
type Adapter interface {
	// ID is the stable provider identifier used for routing, breakers and
	// metrics labels ("openai", "ollama", ...).
	ID() string

	// Name is the human-readable vendor name.
	Name() string

	// Chat performs a unary completion. Never retries internally.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// ChatStream starts a streaming completion. The returned channel is
	// closed after the terminal chunk (non-empty FinishReason) or after a
	// chunk with FinishReason "error" on mid-stream transport failure.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// ListModels returns the models this adapter can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// HealthCheck probes the vendor within HealthCheckTimeout. A missing
	// API key is reported unhealthy without any network I/O.
	HealthCheck(ctx context.Context) HealthStatus

	// EstimateCost approximates the cost of req using the chars/4 input
	// heuristic and MaxTokens (or the vendor default) for output.
	EstimateCost(req *ChatRequest) CostEstimate
}

// ── Errors ────────────────────────────────────────────────────────────────────

// ErrorKind categorizes adapter failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindTransport   ErrorKind = "transport"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer5xx   ErrorKind = "server_5xx"
	KindBadResponse ErrorKind = "bad_response"
	KindAuth        ErrorKind = "auth"
	KindStream      ErrorKind = "stream_error"
)

// Error is the structured error every adapter returns.
type Error struct {
	Provider   string
	Kind       ErrorKind
	Message    string
	StatusCode int // upstream HTTP status when known, else 0
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

// HTTPStatus implements StatusCoder for pass-through status mapping.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// NewError builds an adapter error with an explicit kind.
func NewError(provider string, kind ErrorKind, msg string) *Error {
	return &Error{Provider: provider, Kind: kind, Message: msg}
}

// ErrorFromStatus classifies an upstream HTTP status into an ErrorKind.
func ErrorFromStatus(provider string, status int, msg string) *Error {
	kind := KindTransport
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer5xx
	case status >= 400:
		kind = KindBadResponse
	}
	return &Error{Provider: provider, Kind: kind, Message: msg, StatusCode: status}
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ── Virtual models ────────────────────────────────────────────────────────────

// Virtual model names resolved per-adapter to a concrete model id.
const (
	ModelAuto    = "auto"
	ModelFast    = "fast"
	ModelCheap   = "cheap"
	ModelQuality = "quality"
)

// IsVirtualModel reports whether name is one of the four routing symbols.
func IsVirtualModel(name string) bool {
	switch name {
	case ModelAuto, ModelFast, ModelCheap, ModelQuality:
		return true
	}
	return false
}

// VirtualModels maps provider id → virtual name → concrete model id.
var VirtualModels = map[string]map[string]string{
	"openai": {
		ModelAuto:    "gpt-4o",
		ModelFast:    "gpt-4o-mini",
		ModelCheap:   "gpt-4o-mini",
		ModelQuality: "gpt-4o",
	},
	"anthropic": {
		ModelAuto:    "claude-3-5-sonnet-20241022",
		ModelFast:    "claude-3-5-haiku-20241022",
		ModelCheap:   "claude-3-5-haiku-20241022",
		ModelQuality: "claude-3-5-sonnet-20241022",
	},
	"groq": {
		ModelAuto:    "llama-3.3-70b-versatile",
		ModelFast:    "llama-3.1-8b-instant",
		ModelCheap:   "llama-3.1-8b-instant",
		ModelQuality: "llama-3.3-70b-versatile",
	},
	"together": {
		ModelAuto:    "meta-llama/Llama-3.3-70B-Instruct-Turbo",
		ModelFast:    "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo",
		ModelCheap:   "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo",
		ModelQuality: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
	},
	"ollama": {
		ModelAuto:    "llama3.2",
		ModelFast:    "llama3.2",
		ModelCheap:   "llama3.2",
		ModelQuality: "llama3.1:70b",
	},
	"gemini": {
		ModelAuto:    "gemini-2.0-flash",
		ModelFast:    "gemini-2.0-flash-lite",
		ModelCheap:   "gemini-2.0-flash-lite",
		ModelQuality: "gemini-2.5-pro",
	},
}

// ResolveVirtualModel maps a virtual name to the concrete model id for the
// given provider. Non-virtual names are returned unchanged.
func ResolveVirtualModel(providerID, model string) string {
	if table, ok := VirtualModels[providerID]; ok {
		if concrete, ok := table[model]; ok {
			return concrete
		}
	}
	return model
}

// ── Timeouts and estimation ───────────────────────────────────────────────────

// HealthCheckTimeout bounds every health probe.
const HealthCheckTimeout = 5 * time.Second

// DefaultCompletionTimeout applies to providers without a specific entry.
const DefaultCompletionTimeout = 60 * time.Second

// completionTimeouts holds per-provider completion deadlines. Local Ollama
// inference is slow on CPU; Groq is consistently fast.
var completionTimeouts = map[string]time.Duration{
	"ollama":    120 * time.Second,
	"openai":    60 * time.Second,
	"anthropic": 60 * time.Second,
	"together":  60 * time.Second,
	"gemini":    60 * time.Second,
	"groq":      30 * time.Second,
}

// CompletionTimeout returns the per-provider completion deadline.
func CompletionTimeout(providerID string) time.Duration {
	if d, ok := completionTimeouts[providerID]; ok {
		return d
	}
	return DefaultCompletionTimeout
}

// EstimateTokens approximates the token count of s (~4 chars per token).
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateRequestCost is the shared EstimateCost implementation: chars/4 for
// the prompt, MaxTokens (or defaultOut) for the completion, priced per 1k.
func EstimateRequestCost(req *ChatRequest, costIn1k, costOut1k float64, defaultOut int) CostEstimate {
	in := 0
	for _, m := range req.Messages {
		in += EstimateTokens(m.Content)
	}
	out := req.MaxTokens
	if out <= 0 {
		out = defaultOut
	}
	return CostEstimate{
		EstimatedInputTokens:  in,
		EstimatedOutputTokens: out,
		EstimatedCostUSD: float64(in)/1000*costIn1k +
			float64(out)/1000*costOut1k,
	}
}
