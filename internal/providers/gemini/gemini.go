// Package gemini implements the providers.Adapter for Google Gemini using
// the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/prismgate/prismgate/internal/providers"
)

const (
	providerID   = "gemini"
	providerName = "Google Gemini"

	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxTokens = 1024

	// gemini-2.0-flash list prices per 1k tokens, for pre-flight estimates.
	estCostIn1k  = 0.0001
	estCostOut1k = 0.0004
)

// Adapter implements providers.Adapter for Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Gemini Adapter. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	base, ver := splitBaseURLAndVersion(a.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.CompletionTimeout(providerID)},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) ID() string   { return providerID }
func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	contents, cfg := buildContentsAndConfig(req)
	model := providers.ResolveVirtualModel(providerID, req.Model)

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, providers.NewError(providerID, providers.KindBadResponse, "empty candidates")
	}

	finish := "stop"
	if fr := resp.Candidates[0].FinishReason; fr != "" {
		finish = mapFinishReason(string(fr))
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.ChatResult{
		Content:      resp.Text(),
		FinishReason: finish,
		Model:        model,
		Usage: providers.Usage{
			PromptTokens:     inTok,
			CompletionTokens: outTok,
			TotalTokens:      inTok + outTok,
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	contents, cfg := buildContentsAndConfig(req)
	model := providers.ResolveVirtualModel(providerID, req.Model)

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)

		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = mapFinishReason(string(c.FinishReason))
			}

			if text != "" || finish != "" {
				ch <- providers.StreamChunk{
					Content:      text,
					FinishReason: finish,
				}
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	page, err := a.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := make([]providers.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, providers.ModelInfo{
			ID:       strings.TrimPrefix(m.Name, "models/"),
			Provider: providerID,
			OwnedBy:  "google",
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
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
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

// buildContentsAndConfig maps OpenAI-style turns onto Gemini contents;
// system/developer turns collapse into the SystemInstruction.
func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toAdapterError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(providerID, providers.KindTimeout, "request timed out")
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.ErrorFromStatus(providerID, apiErr.Code, apiErr.Message)
	}
	return providers.NewError(providerID, providers.KindTransport, err.Error())
}
