// Package proxy is the HTTP surface of the gateway: the OpenAI-compatible
// API, the gateway/admin APIs, and the request pipeline that composes
// routing, resilience, caching and admission control.
package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prismgate/prismgate/internal/providers"
)

// Message is one wire-format conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StopList accepts either a string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = StopList(many)
	return nil
}

// ChatRequest is the wire request body. The x- fields are gateway
// extensions scoped to the body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	Stop        StopList  `json:"stop"`
	N           int       `json:"n"`

	RoutingStrategy string `json:"x-routing-strategy"`
	PreferProvider  string `json:"x-prefer-provider"`
	Cache           *bool  `json:"x-cache"`
	BudgetKey       string `json:"x-budget-key"`
}

// CacheEnabled reports the x-cache flag (default true).
func (r *ChatRequest) CacheEnabled() bool {
	return r.Cache == nil || *r.Cache
}

// Validate returns field-level problems, empty when the body is sound.
func (r *ChatRequest) Validate() map[string]string {
	problems := make(map[string]string)
	if r.Model == "" {
		problems["model"] = "model is required"
	}
	if len(r.Messages) == 0 {
		problems["messages"] = "messages must be a non-empty array"
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			problems[fmt.Sprintf("messages[%d].role", i)] = "role must be one of: system, user, assistant"
		}
	}
	if r.N > 1 {
		problems["n"] = "only n=1 is supported"
	}
	if r.MaxTokens < 0 {
		problems["max_tokens"] = "max_tokens must be non-negative"
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		problems["temperature"] = "temperature must be between 0 and 2"
	}
	if r.RoutingStrategy != "" {
		switch r.RoutingStrategy {
		case "cost", "quality", "latency", "balanced":
		default:
			problems["x-routing-strategy"] = "must be one of: cost, quality, latency, balanced"
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// toProviderRequest converts to the internal adapter request.
func (r *ChatRequest) toProviderRequest(requestID string) *providers.ChatRequest {
	msgs := make([]providers.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	return &providers.ChatRequest{
		Model:       r.Model,
		Messages:    msgs,
		Stream:      r.Stream,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        []string(r.Stop),
		RequestID:   requestID,
	}
}

// promptText joins all message contents with newlines (cache key).
func (r *ChatRequest) promptText() string {
	out := ""
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// Usage is the wire token-usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one wire completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// GatewayMeta is the x-gateway metadata block on successful responses.
type GatewayMeta struct {
	Provider        string  `json:"provider"`
	RoutingDecision string  `json:"routing_decision"`
	LatencyMs       float64 `json:"latency_ms"`
	CostUSD         float64 `json:"cost_usd"`
	CacheHit        bool    `json:"cache_hit"`
	FallbackUsed    bool    `json:"fallback_used"`
}

// ChatResponse is the wire response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   Usage        `json:"usage"`
	Gateway *GatewayMeta `json:"x-gateway,omitempty"`
}

func newChatResponse(requestID, model string, result *providers.ChatResult, meta *GatewayMeta) *ChatResponse {
	return &ChatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: result.Content},
			FinishReason: result.FinishReason,
		}},
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Gateway: meta,
	}
}
