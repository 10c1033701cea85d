// Package openai implements the providers.Adapter for the OpenAI API
// using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/prismgate/prismgate/internal/providers"
)

const (
	providerID   = "openai"
	providerName = "OpenAI"

	defaultMaxTokens = 1024

	// List prices per 1k tokens (gpt-4o tier), used only for pre-flight
	// estimates; actual billing numbers come from the capability catalogue.
	estCostIn1k  = 0.0025
	estCostOut1k = 0.01
)

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new OpenAI Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.CompletionTimeout(providerID)}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(clientOpts...)

	return a
}

func (a *Adapter) ID() string   { return providerID }
func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, toAdapterError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewError(providerID, providers.KindBadResponse, "empty choices")
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
		return nil, toAdapterError(err)
	}

	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{
			ID:       m.ID,
			Provider: providerID,
			Created:  m.Created,
			OwnedBy:  m.OwnedBy,
		})
	}
	return out, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	if a.apiKey == "" {
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
	return providers.EstimateRequestCost(req, estCostIn1k, estCostOut1k, defaultMaxTokens)
}

func (a *Adapter) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    providers.ResolveVirtualModel(providerID, req.Model),
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
	switch role {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toAdapterError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(providerID, providers.KindTimeout, "request timed out")
	}
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return providers.ErrorFromStatus(providerID, apiErr.StatusCode, apiErr.Error())
	}
	return providers.NewError(providerID, providers.KindTransport, err.Error())
}
