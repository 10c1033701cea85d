package semcache

import "sync"

// CounterStats aggregates hit/miss counters and the running estimate of
// money saved by serving cached responses.
type CounterStats struct {
	mu          sync.Mutex
	hits        int64
	misses      int64
	savingsUSD  float64
	hitsByModel map[string]int64
	missByModel map[string]int64
}

// NewCounterStats creates zeroed counters.
func NewCounterStats() *CounterStats {
	return &CounterStats{
		hitsByModel: make(map[string]int64),
		missByModel: make(map[string]int64),
	}
}

// RecordHit notes a cache hit for model with the estimated avoided cost.
func (s *CounterStats) RecordHit(model string, estimatedSavingsUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.savingsUSD += estimatedSavingsUSD
	s.hitsByModel[model]++
}

// RecordMiss notes a cache miss for model.
func (s *CounterStats) RecordMiss(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
	s.missByModel[model]++
}

// StatsReport is the snapshot returned by the stats API.
type StatsReport struct {
	Hits                int64            `json:"hits"`
	Misses              int64            `json:"misses"`
	HitRate             float64          `json:"hit_rate"`
	EstimatedSavingsUSD float64          `json:"estimated_savings_usd"`
	HitsByModel         map[string]int64 `json:"hits_by_model"`
	MissesByModel       map[string]int64 `json:"misses_by_model"`
}

// Report returns a copy of the current counters.
func (s *CounterStats) Report() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := StatsReport{
		Hits:                s.hits,
		Misses:              s.misses,
		EstimatedSavingsUSD: s.savingsUSD,
		HitsByModel:         make(map[string]int64, len(s.hitsByModel)),
		MissesByModel:       make(map[string]int64, len(s.missByModel)),
	}
	if total := s.hits + s.misses; total > 0 {
		r.HitRate = float64(s.hits) / float64(total)
	}
	for k, v := range s.hitsByModel {
		r.HitsByModel[k] = v
	}
	for k, v := range s.missByModel {
		r.MissesByModel[k] = v
	}
	return r
}
