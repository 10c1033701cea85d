// Package track maintains in-memory request accounting: the active set
// (used by graceful shutdown to drain) and a bounded history of completed
// requests that the analytics API reports over.
package track

import (
	"sort"
	"sync"
	"time"
)

const completedRingSize = 10000

// Completed is one finished request.
type Completed struct {
	RequestID   string
	Provider    string
	Model       string
	Strategy    string
	StatusCode  int
	LatencyMs   float64
	CostUSD     float64
	CacheHit    bool
	CompletedAt time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]time.Time
	completed []Completed // ring
	pos       int
	startTime time.Time
}

// New creates a Tracker; uptime counts from now.
func New() *Tracker {
	return &Tracker{
		active:    make(map[string]time.Time),
		completed: make([]Completed, 0, completedRingSize),
		startTime: time.Now(),
	}
}

// Begin registers an in-flight request.
func (t *Tracker) Begin(requestID string) {
	t.mu.Lock()
	t.active[requestID] = time.Now()
	t.mu.Unlock()
}

// End moves a request from active to the completed ring.
func (t *Tracker) End(c Completed) {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, c.RequestID)

	if len(t.completed) < completedRingSize {
		t.completed = append(t.completed, c)
		return
	}
	t.completed[t.pos] = c
	t.pos = (t.pos + 1) % completedRingSize
}

// ActiveCount reports in-flight requests (shutdown drain).
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Uptime since construction.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(t.startTime)
}

// Percentiles of completed-request latency in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Report is the analytics snapshot.
type Report struct {
	ActiveRequests     int              `json:"active_requests"`
	CompletedRequests  int              `json:"completed_requests"`
	RequestsByProvider map[string]int64 `json:"requests_by_provider"`
	RequestsByModel    map[string]int64 `json:"requests_by_model"`
	CostLastHourUSD    float64          `json:"cost_last_hour_usd"`
	CostLast24hUSD     float64          `json:"cost_last_24h_usd"`
	CostTotalUSD       float64          `json:"cost_total_usd"`
	LatencyMs          Percentiles      `json:"latency_ms"`
	CacheHitRatio      float64          `json:"cache_hit_ratio"`
	UptimeSeconds      int64            `json:"uptime_seconds"`
}

// Snapshot computes the analytics report over the completed ring.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	completed := make([]Completed, len(t.completed))
	copy(completed, t.completed)
	active := len(t.active)
	t.mu.Unlock()

	r := Report{
		ActiveRequests:     active,
		CompletedRequests:  len(completed),
		RequestsByProvider: make(map[string]int64),
		RequestsByModel:    make(map[string]int64),
		UptimeSeconds:      int64(t.Uptime().Seconds()),
	}

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	latencies := make([]float64, 0, len(completed))
	hits := 0
	for _, c := range completed {
		r.RequestsByProvider[c.Provider]++
		r.RequestsByModel[c.Model]++
		r.CostTotalUSD += c.CostUSD
		if c.CompletedAt.After(hourAgo) {
			r.CostLastHourUSD += c.CostUSD
		}
		if c.CompletedAt.After(dayAgo) {
			r.CostLast24hUSD += c.CostUSD
		}
		latencies = append(latencies, c.LatencyMs)
		if c.CacheHit {
			hits++
		}
	}

	if len(completed) > 0 {
		r.CacheHitRatio = float64(hits) / float64(len(completed))
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		r.LatencyMs = Percentiles{
			P50: percentile(latencies, 0.50),
			P95: percentile(latencies, 0.95),
			P99: percentile(latencies, 0.99),
		}
	}

	return r
}

func percentile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
