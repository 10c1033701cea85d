package catalog

import (
	"math"
	"testing"
)

func TestNew_SeedsProfilesInOrder(t *testing.T) {
	m := New()
	all := m.GetAllProfiles()
	if len(all) == 0 {
		t.Fatal("seeded catalog should not be empty")
	}
	if all[0].Provider != "openai" || all[0].Model != "gpt-4o" {
		t.Errorf("first profile should be openai/gpt-4o, got %s/%s", all[0].Provider, all[0].Model)
	}
}

func TestGetProfile(t *testing.T) {
	m := New()
	p, ok := m.GetProfile("anthropic", "claude-3-5-sonnet-20241022")
	if !ok {
		t.Fatal("expected profile")
	}
	if p.QualityScore != 93 {
		t.Errorf("unexpected quality score %v", p.QualityScore)
	}
	if _, ok := m.GetProfile("anthropic", "no-such-model"); ok {
		t.Error("unknown model should not resolve")
	}
}

func TestGetProfilesByCapability(t *testing.T) {
	m := New()
	for _, p := range m.GetProfilesByCapability(CapCode) {
		if !p.HasCapability(CapCode) {
			t.Errorf("%s/%s lacks the requested capability", p.Provider, p.Model)
		}
	}
}

func TestGetProfilesByProvider(t *testing.T) {
	m := New()
	got := m.GetProfilesByProvider("ollama")
	if len(got) != 2 {
		t.Fatalf("expected 2 ollama profiles, got %d", len(got))
	}
	for _, p := range got {
		if p.CostIn1k != 0 || p.CostOut1k != 0 {
			t.Errorf("local models should cost nothing: %+v", p)
		}
	}
}

func TestUpdateLatency_EMA(t *testing.T) {
	m := NewEmpty()
	m.Add(Profile{Provider: "openai", Model: "gpt-4o", Capabilities: []string{CapGeneral}})

	// First observation sets the average directly.
	m.UpdateLatency("openai", "gpt-4o", 1000)
	p, _ := m.GetProfile("openai", "gpt-4o")
	if p.AvgLatencyMs != 1000 {
		t.Fatalf("expected 1000, got %v", p.AvgLatencyMs)
	}

	// Second folds in with alpha=0.2: 0.8*1000 + 0.2*2000 = 1200.
	m.UpdateLatency("openai", "gpt-4o", 2000)
	p, _ = m.GetProfile("openai", "gpt-4o")
	if math.Abs(p.AvgLatencyMs-1200) > 1e-9 {
		t.Errorf("expected 1200, got %v", p.AvgLatencyMs)
	}
}

func TestUpdateLatency_UnknownModelIgnored(t *testing.T) {
	m := NewEmpty()
	m.UpdateLatency("openai", "ghost", 1000) // must not panic
}

func TestGetLatencyPercentiles(t *testing.T) {
	m := NewEmpty()
	m.Add(Profile{Provider: "openai", Model: "gpt-4o"})

	if p := m.GetLatencyPercentiles("openai", "gpt-4o"); p.P50 != 0 {
		t.Errorf("no history should yield zeroes, got %+v", p)
	}

	for i := 1; i <= 100; i++ {
		m.UpdateLatency("openai", "gpt-4o", float64(i*10))
	}
	p := m.GetLatencyPercentiles("openai", "gpt-4o")
	if p.P50 != 510 {
		t.Errorf("expected p50=510, got %v", p.P50)
	}
	if p.P95 != 960 {
		t.Errorf("expected p95=960, got %v", p.P95)
	}
	if p.P99 != 1000 {
		t.Errorf("expected p99=1000, got %v", p.P99)
	}
}

func TestAliases(t *testing.T) {
	m := New()
	if got := m.ResolveAlias("claude-sonnet"); got != "claude-3-5-sonnet-20241022" {
		t.Errorf("seeded alias should resolve, got %s", got)
	}
	if got := m.ResolveAlias("unaliased-model"); got != "unaliased-model" {
		t.Errorf("unknown names pass through, got %s", got)
	}

	m.AddAlias("my-favorite", "llama3.2")
	if got := m.ResolveAlias("my-favorite"); got != "llama3.2" {
		t.Errorf("expected llama3.2, got %s", got)
	}
}

func TestProfile_AvgCost1k(t *testing.T) {
	p := Profile{CostIn1k: 0.0025, CostOut1k: 0.01}
	if math.Abs(p.AvgCost1k()-0.00625) > 1e-12 {
		t.Errorf("expected 0.00625, got %v", p.AvgCost1k())
	}
}
