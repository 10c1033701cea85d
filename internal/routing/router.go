package routing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/prismgate/prismgate/internal/catalog"
	"github.com/prismgate/prismgate/internal/providers"
)

// Strategy names a weight preset.
type Strategy string

const (
	StrategyBalanced Strategy = "balanced"
	StrategyCost     Strategy = "cost"
	StrategyQuality  Strategy = "quality"
	StrategyLatency  Strategy = "latency"
)

// Weights over the three scoring factors; each preset sums to 1.
type Weights struct {
	Cost    float64 `json:"cost"`
	Quality float64 `json:"quality"`
	Latency float64 `json:"latency"`
}

var presets = map[Strategy]Weights{
	StrategyBalanced: {Cost: 0.40, Quality: 0.35, Latency: 0.25},
	StrategyCost:     {Cost: 0.80, Quality: 0.10, Latency: 0.10},
	StrategyQuality:  {Cost: 0.05, Quality: 0.85, Latency: 0.10},
	StrategyLatency:  {Cost: 0.10, Quality: 0.10, Latency: 0.80},
}

// ValidStrategy reports whether s names a preset.
func ValidStrategy(s string) bool {
	_, ok := presets[Strategy(s)]
	return ok
}

// Constraints restrict the candidate set before scoring.
type Constraints struct {
	MaxCostPer1k         float64  `json:"max_cost_per_1k,omitempty"`
	MaxLatencyMs         float64  `json:"max_latency_ms,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PreferLocal          bool     `json:"prefer_local"`
}

// Config is the router's mutable configuration (admin API can PUT it).
type Config struct {
	DefaultStrategy Strategy    `json:"default_strategy"`
	Constraints     Constraints `json:"constraints"`
	FallbackChain   []string    `json:"fallback_chain"`
}

// Decision is the routing outcome for one request.
type Decision struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Strategy  Strategy `json:"strategy"`
	Score     float64  `json:"score"`
	Reasoning string   `json:"reasoning"`
}

// Health is the registry view the router needs.
type Health interface {
	IsHealthy(id string) bool
	GetHealthy() []providers.Adapter
	FindProviderForModel(model string) (providers.Adapter, bool)
}

// ErrNoProviders is returned when no healthy provider exists at all.
var ErrNoProviders = errors.New("no healthy providers available")

// Router scores catalog profiles against a weighted strategy.
type Router struct {
	catalog *catalog.Map
	health  Health

	mu  sync.RWMutex
	cfg Config
}

// New creates a Router. cfg.DefaultStrategy falls back to balanced.
func New(cat *catalog.Map, health Health, cfg Config) *Router {
	if _, ok := presets[cfg.DefaultStrategy]; !ok {
		cfg.DefaultStrategy = StrategyBalanced
	}
	return &Router{catalog: cat, health: health, cfg: cfg}
}

// Config returns a copy of the current configuration.
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg
	cfg.FallbackChain = append([]string(nil), r.cfg.FallbackChain...)
	return cfg
}

// SetConfig replaces the configuration (admin PUT /api/admin/routing).
func (r *Router) SetConfig(cfg Config) error {
	if _, ok := presets[cfg.DefaultStrategy]; !ok {
		return fmt.Errorf("unknown strategy %q", cfg.DefaultStrategy)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Route picks a (provider, model) for the request. strategyOverride and
// preferProvider come from the x-routing-strategy / x-prefer-provider
// request extensions and may be empty.
func (r *Router) Route(req *providers.ChatRequest, strategyOverride, preferProvider string) (*Decision, error) {
	cfg := r.Config()

	strategy := cfg.DefaultStrategy
	if strategyOverride != "" && ValidStrategy(strategyOverride) {
		strategy = Strategy(strategyOverride)
	}
	weights := presets[strategy]

	// Direct model request bypasses scoring entirely.
	model := r.catalog.ResolveAlias(req.Model)
	if !providers.IsVirtualModel(model) {
		if adapter, ok := r.health.FindProviderForModel(model); ok {
			return &Decision{
				Provider:  adapter.ID(),
				Model:     model,
				Strategy:  strategy,
				Score:     1,
				Reasoning: "Direct model request",
			}, nil
		}
	}

	cls := Classify(req.Messages)

	required := append([]string(nil), cls.RequiredCapabilities...)
	required = dedup(append(required, cfg.Constraints.RequiredCapabilities...))

	candidates := r.candidates(required, cfg.Constraints)
	if len(candidates) == 0 {
		healthy := r.health.GetHealthy()
		if len(healthy) == 0 {
			return nil, ErrNoProviders
		}
		first := healthy[0]
		return &Decision{
			Provider:  first.ID(),
			Model:     providers.ResolveVirtualModel(first.ID(), providers.ModelAuto),
			Strategy:  strategy,
			Score:     0,
			Reasoning: "No candidates satisfied constraints; falling back to first healthy provider",
		}, nil
	}

	type scored struct {
		profile catalog.Profile
		score   float64
		order   int
	}
	list := make([]scored, 0, len(candidates))
	for i, p := range candidates {
		list = append(list, scored{profile: p, score: scoreProfile(p, weights, cls.Complexity), order: i})
	}

	if preferProvider != "" {
		var preferred []scored
		for _, s := range list {
			if s.profile.Provider == preferProvider {
				preferred = append(preferred, s)
			}
		}
		if len(preferred) > 0 && r.health.IsHealthy(preferProvider) {
			list = preferred
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].order < list[j].order
	})

	best := list[0]
	chosen := best
	if cfg.Constraints.PreferLocal {
		for _, s := range list {
			if s.profile.Provider == "ollama" && s.score >= 0.7*best.score {
				chosen = s
				break
			}
		}
	}

	reasoning := fmt.Sprintf("strategy=%s score=%.3f model=%s/%s; %s",
		strategy, chosen.score, chosen.profile.Provider, chosen.profile.Model, cls.Reasoning)
	if chosen.profile.Provider != best.profile.Provider || chosen.profile.Model != best.profile.Model {
		reasoning += "; local-first bias applied"
	}
	if preferProvider != "" && chosen.profile.Provider == preferProvider {
		reasoning += "; preferred provider honored"
	}

	return &Decision{
		Provider:  chosen.profile.Provider,
		Model:     chosen.profile.Model,
		Strategy:  strategy,
		Score:     chosen.score,
		Reasoning: reasoning,
	}, nil
}

// candidates filters catalog profiles by provider health, capability
// coverage and the hard constraints, preserving catalog order.
func (r *Router) candidates(required []string, c Constraints) []catalog.Profile {
	var out []catalog.Profile
	for _, p := range r.catalog.GetAllProfiles() {
		if !r.health.IsHealthy(p.Provider) {
			continue
		}
		if !hasAll(p, required) {
			continue
		}
		if c.MaxCostPer1k > 0 && p.AvgCost1k() > c.MaxCostPer1k {
			continue
		}
		if c.MaxLatencyMs > 0 && p.AvgLatencyMs > c.MaxLatencyMs {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasAll(p catalog.Profile, caps []string) bool {
	for _, c := range caps {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}

func scoreProfile(p catalog.Profile, w Weights, complexity Complexity) float64 {
	costScore := math.Max(0, 1-p.AvgCost1k()/0.10)

	qualityScore := p.QualityScore / 100
	if complexity == ComplexityComplex {
		qualityScore = math.Pow(qualityScore, 0.8)
	}

	latencyScore := math.Max(0, 1-p.AvgLatencyMs/5000)

	return w.Cost*costScore + w.Quality*qualityScore + w.Latency*latencyScore
}

// DescribeWeights renders the preset table (admin routing GET).
func DescribeWeights() map[string]Weights {
	out := make(map[string]Weights, len(presets))
	for s, w := range presets {
		out[string(s)] = w
	}
	return out
}

// ParseStrategy validates a strategy string from the wire.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "", errors.New("empty strategy")
	}
	if !ValidStrategy(s) {
		return "", fmt.Errorf("unknown strategy %q", s)
	}
	return Strategy(s), nil
}
