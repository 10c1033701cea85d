package resilience

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prismgate/prismgate/internal/providers"
)

// fakeAdapter fails a fixed number of times, then succeeds.
type fakeAdapter struct {
	id       string
	failures int
	calls    int
}

func (f *fakeAdapter) ID() string   { return f.id }
func (f *fakeAdapter) Name() string { return f.id }

func (f *fakeAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, providers.NewError(f.id, providers.KindServer5xx, "upstream exploded")
	}
	return &providers.ChatResult{
		Content:      "hello from " + f.id,
		FinishReason: "stop",
		Model:        "test-model",
		Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeAdapter) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	return []providers.ModelInfo{{ID: "test-model", Provider: f.id}}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: true}
}

func (f *fakeAdapter) EstimateCost(req *providers.ChatRequest) providers.CostEstimate {
	return providers.CostEstimate{}
}

// fakeSource is a fixed adapter map with a per-id health flag.
type fakeSource struct {
	adapters  map[string]providers.Adapter
	unhealthy map[string]bool
}

func (s *fakeSource) Get(id string) (providers.Adapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

func (s *fakeSource) IsHealthy(id string) bool {
	return !s.unhealthy[id]
}

func testRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}
}

func TestChain_PrimarySucceeds(t *testing.T) {
	primary := &fakeAdapter{id: "openai"}
	src := &fakeSource{adapters: map[string]providers.Adapter{"openai": primary}}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "openai" {
		t.Errorf("expected openai, got %s", out.Provider)
	}
	if out.FallbackUsed {
		t.Error("fallback should not be flagged on primary success")
	}
	if len(out.Attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(out.Attempts))
	}
}

func TestChain_FallsBackAfterPrimaryFailure(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	backup := &fakeAdapter{id: "groq"}
	src := &fakeSource{adapters: map[string]providers.Adapter{
		"openai": primary,
		"groq":   backup,
	}}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "groq" {
		t.Errorf("expected groq, got %s", out.Provider)
	}
	if !out.FallbackUsed {
		t.Error("fallback should be flagged")
	}
	if len(out.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[0].Success || !out.Attempts[1].Success {
		t.Errorf("attempt success flags wrong: %+v", out.Attempts)
	}
}

func TestChain_SkipsPrimaryInFallbackList(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	backup := &fakeAdapter{id: "groq"}
	src := &fakeSource{adapters: map[string]providers.Adapter{
		"openai": primary,
		"groq":   backup,
	}}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, []string{"openai", "groq"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary should only be tried once, got %d calls", primary.calls)
	}
	if out.Provider != "groq" {
		t.Errorf("expected groq, got %s", out.Provider)
	}
}

func TestChain_AllFail(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	backup := &fakeAdapter{id: "groq", failures: 10}
	src := &fakeSource{adapters: map[string]providers.Adapter{
		"openai": primary,
		"groq":   backup,
	}}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	_, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq"})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	allFailed, ok := err.(*AllFailedError)
	if !ok {
		t.Fatalf("expected *AllFailedError, got %T", err)
	}
	if len(allFailed.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(allFailed.Attempts))
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestChain_AttemptBudget(t *testing.T) {
	primary := &fakeAdapter{id: "p0", failures: 10}
	src := &fakeSource{adapters: map[string]providers.Adapter{"p0": primary}}
	fallback := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, id := range fallback {
		src.adapters[id] = &fakeAdapter{id: id, failures: 10}
	}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	_, err := chain.Execute(context.Background(), testRequest(), primary, fallback)
	allFailed, ok := err.(*AllFailedError)
	if !ok {
		t.Fatalf("expected *AllFailedError, got %T", err)
	}
	// max_retries=3 bounds total attempts at 4.
	if len(allFailed.Attempts) != 4 {
		t.Errorf("expected 4 attempts, got %d", len(allFailed.Attempts))
	}
}

func TestChain_SkipsOpenBreaker(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	backup := &fakeAdapter{id: "groq"}
	src := &fakeSource{adapters: map[string]providers.Adapter{
		"openai": primary,
		"groq":   backup,
		"ollama": &fakeAdapter{id: "ollama"},
	}}
	breakers := NewManager(testConfig(), nil)
	for i := 0; i < 5; i++ {
		breakers.RecordFailure("groq")
	}
	chain := NewChain(src, breakers, 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq", "ollama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "ollama" {
		t.Errorf("expected ollama (groq breaker open), got %s", out.Provider)
	}
	if backup.calls != 0 {
		t.Errorf("groq should never be called, got %d calls", backup.calls)
	}

	var skipped *Attempt
	for i := range out.Attempts {
		if out.Attempts[i].Provider == "groq" {
			skipped = &out.Attempts[i]
		}
	}
	if skipped == nil || skipped.Error != "Circuit breaker open" {
		t.Errorf("expected synthetic breaker attempt for groq, got %+v", out.Attempts)
	}
}

func TestChain_SkipsUnhealthyProvider(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	src := &fakeSource{
		adapters: map[string]providers.Adapter{
			"openai": primary,
			"groq":   &fakeAdapter{id: "groq"},
			"ollama": &fakeAdapter{id: "ollama"},
		},
		unhealthy: map[string]bool{"groq": true},
	}
	chain := NewChain(src, NewManager(testConfig(), nil), 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq", "ollama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "ollama" {
		t.Errorf("expected ollama, got %s", out.Provider)
	}
	var skipped *Attempt
	for i := range out.Attempts {
		if out.Attempts[i].Provider == "groq" {
			skipped = &out.Attempts[i]
		}
	}
	if skipped == nil || skipped.Error != "Provider unavailable" {
		t.Errorf("expected synthetic unavailable attempt for groq, got %+v", out.Attempts)
	}
}

func TestChain_UnavailableSkipKeepsProbeSlots(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	src := &fakeSource{
		adapters: map[string]providers.Adapter{
			"openai": primary,
			"groq":   &fakeAdapter{id: "groq"},
			"ollama": &fakeAdapter{id: "ollama"},
		},
		unhealthy: map[string]bool{"groq": true},
	}
	breakers := NewManager(testConfig(), nil)
	b := breakers.Get("groq")
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	if b.State() != StateHalfOpen {
		t.Fatal("groq breaker should be half-open")
	}
	chain := NewChain(src, breakers, 3, nil)

	out, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq", "ollama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "ollama" {
		t.Fatalf("expected ollama, got %s", out.Provider)
	}

	// The unhealthy skip must not have touched groq's probe budget.
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("probe slot %d was consumed by a skipped provider", i)
		}
	}
}

func TestChain_DuplicateFallbackIDsTriedOnce(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	backup := &fakeAdapter{id: "groq", failures: 10}
	src := &fakeSource{adapters: map[string]providers.Adapter{
		"openai": primary,
		"groq":   backup,
	}}
	chain := NewChain(src, NewManager(testConfig(), nil), 5, nil)

	_, err := chain.Execute(context.Background(), testRequest(), primary, []string{"groq", "groq", "groq"})
	allFailed, ok := err.(*AllFailedError)
	if !ok {
		t.Fatalf("expected *AllFailedError, got %T", err)
	}
	if len(allFailed.Attempts) != 2 {
		t.Errorf("expected 2 attempts (no duplicate ids), got %+v", allFailed.Attempts)
	}
	if backup.calls != 1 {
		t.Errorf("groq should be called once, got %d", backup.calls)
	}
}

func TestChain_FeedsBreakers(t *testing.T) {
	primary := &fakeAdapter{id: "openai", failures: 10}
	src := &fakeSource{adapters: map[string]providers.Adapter{"openai": primary}}
	breakers := NewManager(testConfig(), nil)
	chain := NewChain(src, breakers, 3, nil)

	for i := 0; i < 5; i++ {
		_, _ = chain.Execute(context.Background(), testRequest(), primary, nil)
	}
	if breakers.Get("openai").State() != StateOpen {
		t.Error("five failed executions should trip the openai breaker")
	}
}
