// Package openaicompat provides a generic adapter for services that speak
// the OpenAI chat completions API (Groq, Together AI, and friends).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/prismgate/prismgate/internal/providers"
)

// Config describes one OpenAI-compatible vendor.
type Config struct {
	// ID is the stable provider identifier ("groq", "together", ...).
	ID string
	// Name is the human-readable vendor name.
	Name string
	// BaseURL is the API base, e.g. "https://api.groq.com/openai/v1".
	BaseURL string
	// APIKey is sent as "Authorization: Bearer <key>".
	APIKey string

	// Per-1k-token list prices used for pre-flight cost estimates.
	CostIn1k  float64
	CostOut1k float64
	// DefaultMaxTokens is assumed for estimates when the request omits
	// max_tokens.
	DefaultMaxTokens int
}

// Adapter is a configurable OpenAI-compatible vendor adapter.
type Adapter struct {
	cfg    Config
	client openaiSDK.Client
}

// New creates an Adapter for the vendor described by cfg.
func New(cfg Config) *Adapter {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1024
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.CompletionTimeout(cfg.ID)}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{
		cfg:    cfg,
		client: openaiSDK.NewClient(opts...),
	}
}

func (a *Adapter) ID() string   { return a.cfg.ID }
func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.toAdapterError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewError(a.cfg.ID, providers.KindBadResponse, "empty choices")
	}

	c := resp.Choices[0]
	return &providers.ChatResult{
		Content:      c.Message.Content,
		FinishReason: c.FinishReason,
		Model:        resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.PromptTokens + resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req))

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return nil, a.toAdapterError(err)
	}

	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{
			ID:       m.ID,
			Provider: a.cfg.ID,
			Created:  m.Created,
			OwnedBy:  m.OwnedBy,
		})
	}
	return out, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	if a.cfg.APIKey == "" {
		return providers.HealthStatus{Healthy: false, Message: "no API key configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, providers.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	if _, err := a.client.Models.List(ctx); err != nil {
		return providers.HealthStatus{
			Healthy:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   err.Error(),
		}
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
}

func (a *Adapter) EstimateCost(req *providers.ChatRequest) providers.CostEstimate {
	return providers.EstimateRequestCost(req, a.cfg.CostIn1k, a.cfg.CostOut1k, a.cfg.DefaultMaxTokens)
}

func (a *Adapter) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    providers.ResolveVirtualModel(a.cfg.ID, req.Model),
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}

	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func (a *Adapter) toAdapterError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(a.cfg.ID, providers.KindTimeout, "request timed out")
	}
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return providers.ErrorFromStatus(a.cfg.ID, apiErr.StatusCode, apiErr.Error())
	}
	return providers.NewError(a.cfg.ID, providers.KindTransport, err.Error())
}

// Groq returns the adapter for Groq's OpenAI-compatible endpoint.
func Groq(apiKey string, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	return New(Config{
		ID:               "groq",
		Name:             "Groq",
		BaseURL:          baseURL,
		APIKey:           apiKey,
		CostIn1k:         0.00059,
		CostOut1k:        0.00079,
		DefaultMaxTokens: 1024,
	})
}

// Together returns the adapter for Together AI's OpenAI-compatible endpoint.
func Together(apiKey string, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = "https://api.together.xyz/v1"
	}
	return New(Config{
		ID:               "together",
		Name:             "Together AI",
		BaseURL:          baseURL,
		APIKey:           apiKey,
		CostIn1k:         0.00088,
		CostOut1k:        0.00088,
		DefaultMaxTokens: 1024,
	})
}
