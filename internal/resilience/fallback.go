package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prismgate/prismgate/internal/providers"
)

// DefaultMaxRetries bounds the total attempt count at max_retries+1.
const DefaultMaxRetries = 3

// AdapterSource is the registry view the chain needs.
type AdapterSource interface {
	Get(id string) (providers.Adapter, bool)
	IsHealthy(id string) bool
}

// Attempt records one try against one provider.
type Attempt struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Outcome is the chain's result for one request.
type Outcome struct {
	Result       *providers.ChatResult
	Provider     string
	Attempts     []Attempt
	FallbackUsed bool
}

// AllFailedError is returned when the primary and every fallback failed.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Error))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Chain executes a routed request against the primary provider, then the
// configured fallback list, under per-provider timeouts and breaker
// admission.
type Chain struct {
	source     AdapterSource
	breakers   *Manager
	maxRetries int
	log        *slog.Logger
}

// NewChain creates a Chain. maxRetries ≤ 0 selects the default.
func NewChain(source AdapterSource, breakers *Manager, maxRetries int, log *slog.Logger) *Chain {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain{source: source, breakers: breakers, maxRetries: maxRetries, log: log}
}

// Execute tries primary, then each distinct id in fallback (the primary
// and repeated ids are attempted once) while the attempt budget lasts.
// Breaker-rejected and unhealthy providers are skipped with a synthetic
// attempt record.
func (c *Chain) Execute(ctx context.Context, req *providers.ChatRequest, primary providers.Adapter, fallback []string) (*Outcome, error) {
	var attempts []Attempt

	result, attempt := c.tryProvider(ctx, primary, req)
	attempts = append(attempts, attempt)
	if attempt.Success {
		return &Outcome{
			Result:   result,
			Provider: primary.ID(),
			Attempts: attempts,
		}, nil
	}

	tried := map[string]bool{primary.ID(): true}
	for _, id := range fallback {
		if tried[id] {
			continue
		}
		tried[id] = true
		if len(attempts) >= c.maxRetries+1 {
			break
		}

		// Availability first: an unknown or unhealthy provider must not
		// consume a half-open probe slot on its breaker.
		adapter, ok := c.source.Get(id)
		if !ok || !c.source.IsHealthy(id) {
			attempts = append(attempts, Attempt{Provider: id, Error: "Provider unavailable"})
			continue
		}

		if !c.breakers.Allow(id) {
			attempts = append(attempts, Attempt{Provider: id, Error: "Circuit breaker open"})
			continue
		}

		result, attempt := c.tryProvider(ctx, adapter, req)
		attempts = append(attempts, attempt)
		if attempt.Success {
			c.log.Info("fallback_succeeded", "provider", id, "attempts", len(attempts))
			return &Outcome{
				Result:       result,
				Provider:     id,
				Attempts:     attempts,
				FallbackUsed: true,
			}, nil
		}
	}

	return nil, &AllFailedError{Attempts: attempts}
}

// tryProvider calls the adapter under its completion timeout and feeds
// the breaker with the result.
func (c *Chain) tryProvider(ctx context.Context, adapter providers.Adapter, req *providers.ChatRequest) (*providers.ChatResult, Attempt) {
	id := adapter.ID()

	callCtx, cancel := context.WithTimeout(ctx, providers.CompletionTimeout(id))
	defer cancel()

	start := time.Now()
	result, err := adapter.Chat(callCtx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		c.breakers.RecordFailure(id)
		c.log.Warn("provider_attempt_failed", "provider", id, "latency_ms", latency, "error", err)
		return nil, Attempt{Provider: id, Error: err.Error(), LatencyMs: latency}
	}

	c.breakers.RecordSuccess(id)
	return result, Attempt{Provider: id, Success: true, LatencyMs: latency}
}
