package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/providers"
)

// stubAdapter is just an id for the Health fake.
type stubAdapter struct{ id string }

func (s *stubAdapter) ID() string   { return s.id }
func (s *stubAdapter) Name() string { return s.id }
func (s *stubAdapter) Chat(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
	return nil, nil
}
func (s *stubAdapter) ChatStream(context.Context, *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	return nil, nil
}
func (s *stubAdapter) ListModels(context.Context) ([]providers.ModelInfo, error) { return nil, nil }
func (s *stubAdapter) HealthCheck(context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: true}
}
func (s *stubAdapter) EstimateCost(*providers.ChatRequest) providers.CostEstimate {
	return providers.CostEstimate{}
}

type stubHealth struct {
	healthy []string
	models  map[string]string // model id → provider id
}

func (h *stubHealth) IsHealthy(id string) bool {
	for _, p := range h.healthy {
		if p == id {
			return true
		}
	}
	return false
}

func (h *stubHealth) GetHealthy() []providers.Adapter {
	out := make([]providers.Adapter, 0, len(h.healthy))
	for _, p := range h.healthy {
		out = append(out, &stubAdapter{id: p})
	}
	return out
}

func (h *stubHealth) FindProviderForModel(model string) (providers.Adapter, bool) {
	if p, ok := h.models[model]; ok && h.IsHealthy(p) {
		return &stubAdapter{id: p}, true
	}
	return nil, false
}

func allCaps() []string {
	return []string{
		catalog.CapGeneral, catalog.CapInstruction,
		catalog.CapCode, catalog.CapMath, catalog.CapCreative,
	}
}

func testCatalog() *catalog.Map {
	m := catalog.NewEmpty()
	m.Add(catalog.Profile{
		Provider: "groq", Model: "llama-3.1-8b-instant",
		Capabilities: allCaps(), QualityScore: 60,
		CostIn1k: 0.0005, CostOut1k: 0.0005,
	})
	m.Add(catalog.Profile{
		Provider: "openai", Model: "gpt-4o",
		Capabilities: allCaps(), QualityScore: 92,
		CostIn1k: 0.0025, CostOut1k: 0.01,
	})
	return m
}

func autoRequest(content string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "auto",
		Messages: []providers.Message{{Role: "user", Content: content}},
	}
}

func TestRoute_DirectModelBypassesScoring(t *testing.T) {
	health := &stubHealth{
		healthy: []string{"openai"},
		models:  map[string]string{"gpt-4o": "openai"},
	}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyBalanced})

	d, err := r.Route(&providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "openai" || d.Model != "gpt-4o" {
		t.Errorf("expected openai/gpt-4o, got %s/%s", d.Provider, d.Model)
	}
	if d.Reasoning != "Direct model request" {
		t.Errorf("unexpected reasoning: %s", d.Reasoning)
	}
}

func TestRoute_AliasResolvesBeforeLookup(t *testing.T) {
	cat := testCatalog()
	cat.AddAlias("gpt4", "gpt-4o")
	health := &stubHealth{
		healthy: []string{"openai"},
		models:  map[string]string{"gpt-4o": "openai"},
	}
	r := New(cat, health, Config{DefaultStrategy: StrategyBalanced})

	d, err := r.Route(&providers.ChatRequest{
		Model:    "gpt4",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Model != "gpt-4o" {
		t.Errorf("alias should resolve to gpt-4o, got %s", d.Model)
	}
}

func TestRoute_CostStrategyPrefersCheap(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyCost})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "groq" {
		t.Errorf("cost strategy should pick groq, got %s (%s)", d.Provider, d.Reasoning)
	}
}

func TestRoute_QualityStrategyPrefersStrongModel(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyQuality})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "openai" {
		t.Errorf("quality strategy should pick openai, got %s (%s)", d.Provider, d.Reasoning)
	}
}

func TestRoute_StrategyOverride(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyCost})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "quality", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Strategy != StrategyQuality {
		t.Errorf("expected quality strategy, got %s", d.Strategy)
	}
	if d.Provider != "openai" {
		t.Errorf("expected openai under quality override, got %s", d.Provider)
	}
}

func TestRoute_InvalidOverrideFallsBackToDefault(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyCost})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "warp-speed", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Strategy != StrategyCost {
		t.Errorf("invalid override should keep default, got %s", d.Strategy)
	}
}

func TestRoute_UnhealthyProviderExcluded(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyQuality})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "groq" {
		t.Errorf("only groq is healthy, got %s", d.Provider)
	}
}

func TestRoute_CapabilityFiltering(t *testing.T) {
	cat := catalog.NewEmpty()
	cat.Add(catalog.Profile{
		Provider: "groq", Model: "chat-only",
		Capabilities: []string{catalog.CapGeneral, catalog.CapInstruction},
		QualityScore: 90, CostIn1k: 0.0005, CostOut1k: 0.0005,
	})
	cat.Add(catalog.Profile{
		Provider: "openai", Model: "coder",
		Capabilities: allCaps(), QualityScore: 70,
		CostIn1k: 0.0025, CostOut1k: 0.01,
	})
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(cat, health, Config{DefaultStrategy: StrategyCost})

	d, err := r.Route(autoRequest("Write a python function that parses a csv file"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "openai" {
		t.Errorf("code request must go to the code-capable profile, got %s (%s)", d.Provider, d.Reasoning)
	}
}

func TestRoute_NoCandidatesFallsBackToFirstHealthy(t *testing.T) {
	cat := catalog.NewEmpty() // nothing profiled at all
	health := &stubHealth{healthy: []string{"ollama"}}
	r := New(cat, health, Config{DefaultStrategy: StrategyBalanced})

	d, err := r.Route(autoRequest("hello there"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "ollama" {
		t.Errorf("expected ollama fallback, got %s", d.Provider)
	}
	if d.Model != "llama3.2" {
		t.Errorf("expected the provider's auto model, got %s", d.Model)
	}
	if d.Score != 0 {
		t.Errorf("fallback decision should score 0, got %v", d.Score)
	}
}

func TestRoute_NoHealthyProviders(t *testing.T) {
	r := New(catalog.NewEmpty(), &stubHealth{}, Config{DefaultStrategy: StrategyBalanced})

	_, err := r.Route(autoRequest("hello there"), "", "")
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
}

func TestRoute_PreferProvider(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyQuality})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "groq")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "groq" {
		t.Errorf("preferred provider should win, got %s", d.Provider)
	}
	if !strings.Contains(d.Reasoning, "preferred provider honored") {
		t.Errorf("reasoning should mention the preference: %s", d.Reasoning)
	}
}

func TestRoute_PreferProviderIgnoredWhenUnhealthy(t *testing.T) {
	health := &stubHealth{healthy: []string{"openai"}}
	r := New(testCatalog(), health, Config{DefaultStrategy: StrategyQuality})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "groq")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "openai" {
		t.Errorf("unhealthy preference should fall through to scoring, got %s", d.Provider)
	}
}

func TestRoute_PreferLocalBias(t *testing.T) {
	cat := testCatalog()
	// Low quality keeps ollama off the top score so the test exercises
	// the bias rather than a straight win.
	cat.Add(catalog.Profile{
		Provider: "ollama", Model: "llama3.2",
		Capabilities: allCaps(), QualityScore: 30,
		CostIn1k: 0, CostOut1k: 0,
	})
	health := &stubHealth{healthy: []string{"groq", "openai", "ollama"}}
	r := New(cat, health, Config{
		DefaultStrategy: StrategyCost,
		Constraints:     Constraints{PreferLocal: true},
	})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "ollama" {
		t.Errorf("local bias should pick ollama under cost strategy, got %s (%s)", d.Provider, d.Reasoning)
	}
}

func TestRoute_MaxCostConstraint(t *testing.T) {
	health := &stubHealth{healthy: []string{"groq", "openai"}}
	r := New(testCatalog(), health, Config{
		DefaultStrategy: StrategyQuality,
		Constraints:     Constraints{MaxCostPer1k: 0.001},
	})

	d, err := r.Route(autoRequest("summarize this paragraph for me please"), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// gpt-4o averages $0.00625/1k and is filtered out.
	if d.Provider != "groq" {
		t.Errorf("cost cap should exclude openai, got %s", d.Provider)
	}
}

func TestSetConfig_RejectsUnknownStrategy(t *testing.T) {
	r := New(testCatalog(), &stubHealth{}, Config{DefaultStrategy: StrategyBalanced})
	if err := r.SetConfig(Config{DefaultStrategy: "yolo"}); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if err := r.SetConfig(Config{DefaultStrategy: StrategyLatency}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if r.Config().DefaultStrategy != StrategyLatency {
		t.Errorf("config not applied: %v", r.Config().DefaultStrategy)
	}
}
