package budget

import (
	"math"
	"sync"
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed           bool    `json:"allowed"`
	Reason            string  `json:"reason,omitempty"`
	TokenUsagePercent float64 `json:"token_usage_percent"`
	CostUsagePercent  float64 `json:"cost_usage_percent"`
	AlertThreshold    int     `json:"alert_threshold,omitempty"` // 80 or 95; 0 when quiet
}

// Enforcer checks per-key budgets against the record's counters and
// process-wide usage against optional global caps. Budget checks
// fail closed: an exhausted budget always denies.
type Enforcer struct {
	globalTokenBudget int64
	globalCostBudget  float64

	mu           sync.Mutex
	globalTokens int64
	globalCost   float64
}

// NewEnforcer creates an Enforcer. Zero caps mean "unlimited".
func NewEnforcer(globalTokenBudget int64, globalCostBudgetUSD float64) *Enforcer {
	return &Enforcer{
		globalTokenBudget: globalTokenBudget,
		globalCostBudget:  globalCostBudgetUSD,
	}
}

// CheckBudget evaluates rec against its own monthly budgets and the
// global caps. rec may be nil (no key configured), which is allowed.
func (e *Enforcer) CheckBudget(rec *KeyRecord) Decision {
	d := Decision{Allowed: true}
	if rec != nil {
		if rec.MonthlyTokenBudget > 0 {
			d.TokenUsagePercent = 100 * float64(rec.TokensUsed) / float64(rec.MonthlyTokenBudget)
			if rec.TokensUsed >= rec.MonthlyTokenBudget {
				d.Allowed = false
				d.Reason = "monthly token budget exhausted"
			}
		}
		if rec.MonthlyCostBudget > 0 {
			d.CostUsagePercent = 100 * rec.CostUsed / rec.MonthlyCostBudget
			if rec.CostUsed >= rec.MonthlyCostBudget {
				d.Allowed = false
				d.Reason = "monthly cost budget exhausted"
			}
		}
	}

	if d.Allowed {
		if reason, ok := e.checkGlobal(); !ok {
			d.Allowed = false
			d.Reason = reason
		}
	}

	worst := math.Max(d.TokenUsagePercent, d.CostUsagePercent)
	switch {
	case worst >= 95:
		d.AlertThreshold = 95
	case worst >= 80:
		d.AlertThreshold = 80
	}

	return d
}

func (e *Enforcer) checkGlobal() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.globalTokenBudget > 0 && e.globalTokens >= e.globalTokenBudget {
		return "global token budget exhausted", false
	}
	if e.globalCostBudget > 0 && e.globalCost >= e.globalCostBudget {
		return "global cost budget exhausted", false
	}
	return "", true
}

// RecordGlobalUsage accumulates process-wide counters.
func (e *Enforcer) RecordGlobalUsage(tokens int64, costUSD float64) {
	e.mu.Lock()
	e.globalTokens += tokens
	e.globalCost += costUSD
	e.mu.Unlock()
}

// GlobalUsage reports the process-wide counters and caps (budget API).
type GlobalUsage struct {
	TokensUsed    int64   `json:"tokens_used"`
	CostUsedUSD   float64 `json:"cost_used_usd"`
	TokenBudget   int64   `json:"token_budget,omitempty"`
	CostBudgetUSD float64 `json:"cost_budget_usd,omitempty"`
}

// Usage returns the current global counters.
func (e *Enforcer) Usage() GlobalUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return GlobalUsage{
		TokensUsed:    e.globalTokens,
		CostUsedUSD:   e.globalCost,
		TokenBudget:   e.globalTokenBudget,
		CostBudgetUSD: e.globalCostBudget,
	}
}
