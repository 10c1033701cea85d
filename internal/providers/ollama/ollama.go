// Package ollama implements the providers.Adapter for a local Ollama
// server. Ollama has no official Go SDK; the adapter speaks the native
// /api/chat and /api/tags endpoints directly.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prismgate/prismgate/internal/providers"
)

const (
	providerID   = "ollama"
	providerName = "Ollama"

	defaultBaseURL = "http://localhost:11434"
)

// Adapter implements providers.Adapter for a local Ollama server.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the server URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Ollama Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.CompletionTimeout(providerID)},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string   { return providerID }
func (a *Adapter) Name() string { return providerName }

type chatPayload struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is one NDJSON object from /api/chat. The final object has
// done=true and carries the token counts.
type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	resp, err := a.postChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, providers.NewError(providerID, providers.KindBadResponse, err.Error())
	}
	if out.Error != "" {
		return nil, providers.NewError(providerID, providers.KindBadResponse, out.Error)
	}

	return &providers.ChatResult{
		Content:      out.Message.Content,
		FinishReason: mapDoneReason(out.DoneReason),
		Model:        out.Model,
		Usage: providers.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	resp, err := a.postChat(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %s", chunk.Error),
					FinishReason: "error",
				}
				return
			}

			if chunk.Done {
				ch <- providers.StreamChunk{
					Content:      chunk.Message.Content,
					FinishReason: mapDoneReason(chunk.DoneReason),
				}
				return
			}
			if chunk.Message.Content != "" {
				ch <- providers.StreamChunk{Content: chunk.Message.Content}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) postChat(ctx context.Context, req *providers.ChatRequest, stream bool) (*http.Response, error) {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload := chatPayload{
		Model:    providers.ResolveVirtualModel(providerID, req.Model),
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 || len(req.Stop) > 0 {
		payload.Options = map[string]any{}
		if req.Temperature > 0 {
			payload.Options["temperature"] = req.Temperature
		}
		if req.TopP > 0 {
			payload.Options["top_p"] = req.TopP
		}
		if req.MaxTokens > 0 {
			payload.Options["num_predict"] = req.MaxTokens
		}
		if len(req.Stop) > 0 {
			payload.Options["stop"] = req.Stop
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.NewError(providerID, providers.KindBadResponse, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewError(providerID, providers.KindTransport, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, providers.NewError(providerID, providers.KindTimeout, "request timed out")
		}
		return nil, providers.NewError(providerID, providers.KindTransport, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, providers.ErrorFromStatus(providerID, resp.StatusCode, string(bytes.TrimSpace(msg)))
	}
	return resp, nil
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	tags, err := a.fetchTags(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]providers.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, providers.ModelInfo{
			ID:       m.Name,
			Provider: providerID,
			Created:  m.ModifiedAt.Unix(),
			OwnedBy:  "library",
		})
	}
	return out, nil
}

// HealthCheck probes /api/tags; a local server needs no API key.
func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, providers.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	if _, err := a.fetchTags(ctx); err != nil {
		return providers.HealthStatus{
			Healthy:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   err.Error(),
		}
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
}

// EstimateCost is always zero: local inference has no per-token price.
func (a *Adapter) EstimateCost(req *providers.ChatRequest) providers.CostEstimate {
	est := providers.EstimateRequestCost(req, 0, 0, 1024)
	est.EstimatedCostUSD = 0
	return est
}

func (a *Adapter) fetchTags(ctx context.Context) (*tagsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, providers.NewError(providerID, providers.KindTransport, err.Error())
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.NewError(providerID, providers.KindTransport, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ErrorFromStatus(providerID, resp.StatusCode, "tags request failed")
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, providers.NewError(providerID, providers.KindBadResponse, err.Error())
	}
	return &tags, nil
}

func mapDoneReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	default:
		return "stop"
	}
}
