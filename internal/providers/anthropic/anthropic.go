// Package anthropic implements the providers.Adapter for the Anthropic
// Messages API using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/prismgate/prismgate/internal/providers"
)

const (
	providerID   = "anthropic"
	providerName = "Anthropic"

	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096

	// claude-3-5-sonnet list prices per 1k tokens, for pre-flight estimates.
	estCostIn1k  = 0.003
	estCostOut1k = 0.015
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.CompletionTimeout(providerID)}),
	)

	return a
}

func (a *Adapter) ID() string   { return providerID }
func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	msg, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, toAdapterError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &providers.ChatResult{
		Content:      sb.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Model:        string(msg.Model),
		Usage: providers.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))

	go func() {
		defer close(ch)

		finish := "stop"
		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					finish = mapStopReason(string(eventVariant.Delta.StopReason))
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
			return
		}
		ch <- providers.StreamChunk{FinishReason: finish}
	}()

	return ch, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{
			ID:       m.ID,
			Provider: providerID,
			Created:  m.CreatedAt.Unix(),
			OwnedBy:  providerID,
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
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
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

// buildParams collapses system/developer turns into the Messages API's
// top-level system prompt; only user/assistant turns go into Messages.
func (a *Adapter) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(providers.ResolveVirtualModel(providerID, req.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// mapStopReason translates Anthropic stop reasons into the OpenAI-style
// finish reasons the rest of the gateway speaks.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return reason
	}
}

func toAdapterError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(providerID, providers.KindTimeout, "request timed out")
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.ErrorFromStatus(providerID, apiErr.StatusCode, apiErr.Error())
	}
	return providers.NewError(providerID, providers.KindTransport, err.Error())
}
