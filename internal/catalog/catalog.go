// Package catalog is the capability map: seeded model profiles with
// quality scores, prices, capability tags and a live latency EMA that the
// router scores against.
package catalog

import (
	"sort"
	"sync"
)

// Capability tags a model can carry.
const (
	CapGeneral      = "general"
	CapCode         = "code"
	CapMath         = "math"
	CapCreative     = "creative"
	CapInstruction  = "instruction-following"
	CapMultilingual = "multilingual"
	CapVision       = "vision"
)

const (
	emaAlpha    = 0.2
	historySize = 100
)

// Profile describes one (provider, model) pair.
type Profile struct {
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Capabilities  []string `json:"capabilities"`
	QualityScore  float64  `json:"quality_score"` // 0..100
	ContextWindow int      `json:"context_window"`
	CostIn1k      float64  `json:"cost_per_1k_input"`
	CostOut1k     float64  `json:"cost_per_1k_output"`
	AvgLatencyMs  float64  `json:"avg_latency_ms"`
}

// Percentiles over the bounded latency history.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// HasCapability reports whether the profile carries cap.
func (p *Profile) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AvgCost1k is the mean of the input and output per-1k prices, the number
// the router's cost score works from.
func (p *Profile) AvgCost1k() float64 {
	return (p.CostIn1k + p.CostOut1k) / 2
}

type record struct {
	mu      sync.Mutex
	profile Profile
	history []float64 // ring, most recent overwrites oldest
	histPos int
}

// Map holds profiles in seed order plus a single-hop alias table.
type Map struct {
	mu      sync.RWMutex
	order   []string // "provider/model" keys in insertion order
	records map[string]*record
	aliases map[string]string
}

func key(provider, model string) string { return provider + "/" + model }

// New returns a Map seeded with the built-in profiles.
func New() *Map {
	m := &Map{
		records: make(map[string]*record),
		aliases: make(map[string]string),
	}
	for _, p := range seedProfiles {
		m.add(p)
	}
	for alias, model := range seedAliases {
		m.AddAlias(alias, model)
	}
	return m
}

// NewEmpty returns a Map with no profiles (used by tests).
func NewEmpty() *Map {
	return &Map{
		records: make(map[string]*record),
		aliases: make(map[string]string),
	}
}

// Add registers a profile, preserving insertion order.
func (m *Map) Add(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(p)
}

func (m *Map) add(p Profile) {
	k := key(p.Provider, p.Model)
	if _, ok := m.records[k]; ok {
		m.records[k].profile = p
		return
	}
	m.order = append(m.order, k)
	m.records[k] = &record{profile: p}
}

// GetProfile returns the profile for (provider, model).
func (m *Map) GetProfile(provider, model string) (Profile, bool) {
	m.mu.RLock()
	r, ok := m.records[key(provider, model)]
	m.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile, true
}

// GetAllProfiles returns every profile in insertion order.
func (m *Map) GetAllProfiles() []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Profile, 0, len(m.order))
	for _, k := range m.order {
		r := m.records[k]
		r.mu.Lock()
		out = append(out, r.profile)
		r.mu.Unlock()
	}
	return out
}

// GetProfilesByCapability returns profiles carrying cap, in insertion order.
func (m *Map) GetProfilesByCapability(cap string) []Profile {
	var out []Profile
	for _, p := range m.GetAllProfiles() {
		if p.HasCapability(cap) {
			out = append(out, p)
		}
	}
	return out
}

// GetProfilesByProvider returns the provider's profiles in insertion order.
func (m *Map) GetProfilesByProvider(provider string) []Profile {
	var out []Profile
	for _, p := range m.GetAllProfiles() {
		if p.Provider == provider {
			out = append(out, p)
		}
	}
	return out
}

// UpdateLatency folds an observed latency into the profile's EMA
// (new = 0.8*old + 0.2*observed) and the bounded history ring.
func (m *Map) UpdateLatency(provider, model string, observedMs float64) {
	m.mu.RLock()
	r, ok := m.records[key(provider, model)]
	m.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.profile.AvgLatencyMs == 0 {
		r.profile.AvgLatencyMs = observedMs
	} else {
		r.profile.AvgLatencyMs = (1-emaAlpha)*r.profile.AvgLatencyMs + emaAlpha*observedMs
	}

	if len(r.history) < historySize {
		r.history = append(r.history, observedMs)
	} else {
		r.history[r.histPos] = observedMs
		r.histPos = (r.histPos + 1) % historySize
	}
}

// GetLatencyPercentiles computes p50/p95/p99 over the stored history.
// Zeroes when no observations exist.
func (m *Map) GetLatencyPercentiles(provider, model string) Percentiles {
	m.mu.RLock()
	r, ok := m.records[key(provider, model)]
	m.mu.RUnlock()
	if !ok {
		return Percentiles{}
	}

	r.mu.Lock()
	hist := make([]float64, len(r.history))
	copy(hist, r.history)
	r.mu.Unlock()

	if len(hist) == 0 {
		return Percentiles{}
	}
	sort.Float64s(hist)
	return Percentiles{
		P50: percentile(hist, 0.50),
		P95: percentile(hist, 0.95),
		P99: percentile(hist, 0.99),
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// AddAlias maps alias → model. Resolution is a single hop.
func (m *Map) AddAlias(alias, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[alias] = model
}

// ResolveAlias returns the target model for name, or name itself when no
// alias exists.
func (m *Map) ResolveAlias(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if target, ok := m.aliases[name]; ok {
		return target
	}
	return name
}

// seedProfiles covers the supported vendors. Quality scores are relative
// rankings, not benchmark numbers; prices are list prices per 1k tokens.
var seedProfiles = []Profile{
	{
		Provider:      "openai",
		Model:         "gpt-4o",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapCreative, CapInstruction, CapMultilingual, CapVision},
		QualityScore:  92,
		ContextWindow: 128000,
		CostIn1k:      0.0025,
		CostOut1k:     0.01,
		AvgLatencyMs:  1800,
	},
	{
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapInstruction, CapMultilingual},
		QualityScore:  78,
		ContextWindow: 128000,
		CostIn1k:      0.00015,
		CostOut1k:     0.0006,
		AvgLatencyMs:  900,
	},
	{
		Provider:      "anthropic",
		Model:         "claude-3-5-sonnet-20241022",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapCreative, CapInstruction, CapMultilingual, CapVision},
		QualityScore:  93,
		ContextWindow: 200000,
		CostIn1k:      0.003,
		CostOut1k:     0.015,
		AvgLatencyMs:  2100,
	},
	{
		Provider:      "anthropic",
		Model:         "claude-3-5-haiku-20241022",
		Capabilities:  []string{CapGeneral, CapCode, CapInstruction, CapMultilingual},
		QualityScore:  76,
		ContextWindow: 200000,
		CostIn1k:      0.0008,
		CostOut1k:     0.004,
		AvgLatencyMs:  1000,
	},
	{
		Provider:      "groq",
		Model:         "llama-3.3-70b-versatile",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapInstruction, CapMultilingual},
		QualityScore:  82,
		ContextWindow: 131072,
		CostIn1k:      0.00059,
		CostOut1k:     0.00079,
		AvgLatencyMs:  400,
	},
	{
		Provider:      "groq",
		Model:         "llama-3.1-8b-instant",
		Capabilities:  []string{CapGeneral, CapInstruction},
		QualityScore:  64,
		ContextWindow: 131072,
		CostIn1k:      0.00005,
		CostOut1k:     0.00008,
		AvgLatencyMs:  250,
	},
	{
		Provider:      "together",
		Model:         "meta-llama/Llama-3.3-70B-Instruct-Turbo",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapInstruction, CapMultilingual},
		QualityScore:  81,
		ContextWindow: 131072,
		CostIn1k:      0.00088,
		CostOut1k:     0.00088,
		AvgLatencyMs:  1100,
	},
	{
		Provider:      "together",
		Model:         "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo",
		Capabilities:  []string{CapGeneral, CapInstruction},
		QualityScore:  62,
		ContextWindow: 131072,
		CostIn1k:      0.00018,
		CostOut1k:     0.00018,
		AvgLatencyMs:  600,
	},
	{
		Provider:      "gemini",
		Model:         "gemini-2.0-flash",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapInstruction, CapMultilingual, CapVision},
		QualityScore:  80,
		ContextWindow: 1048576,
		CostIn1k:      0.0001,
		CostOut1k:     0.0004,
		AvgLatencyMs:  800,
	},
	{
		Provider:      "gemini",
		Model:         "gemini-2.5-pro",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapCreative, CapInstruction, CapMultilingual, CapVision},
		QualityScore:  91,
		ContextWindow: 1048576,
		CostIn1k:      0.00125,
		CostOut1k:     0.01,
		AvgLatencyMs:  2500,
	},
	{
		Provider:      "ollama",
		Model:         "llama3.2",
		Capabilities:  []string{CapGeneral, CapCode, CapInstruction},
		QualityScore:  58,
		ContextWindow: 131072,
		CostIn1k:      0,
		CostOut1k:     0,
		AvgLatencyMs:  3000,
	},
	{
		Provider:      "ollama",
		Model:         "llama3.1:70b",
		Capabilities:  []string{CapGeneral, CapCode, CapMath, CapInstruction},
		QualityScore:  74,
		ContextWindow: 131072,
		CostIn1k:      0,
		CostOut1k:     0,
		AvgLatencyMs:  8000,
	},
}

var seedAliases = map[string]string{
	"gpt-4o-latest":     "gpt-4o",
	"claude-sonnet":     "claude-3-5-sonnet-20241022",
	"claude-haiku":      "claude-3-5-haiku-20241022",
	"llama-70b":         "llama-3.3-70b-versatile",
	"llama-8b":          "llama-3.1-8b-instant",
	"gemini-flash":      "gemini-2.0-flash",
	"gemini-pro-latest": "gemini-2.5-pro",
}
