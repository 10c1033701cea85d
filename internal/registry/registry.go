// Package registry keeps the set of configured provider adapters together
// with their latest health-probe results and cached model lists.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prismgate/prismgate/internal/providers"
)

const probeInterval = 30 * time.Second

// HealthObserver receives provider health transitions (metrics gauge).
type HealthObserver interface {
	SetProviderHealth(provider string, healthy bool)
}

// ProviderStatus is the last known probe result for one adapter.
type ProviderStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	LatencyMs  int64     `json:"latency_ms"`
	LastCheck  time.Time `json:"last_check"`
	Message    string    `json:"message,omitempty"`
	ModelCount int       `json:"model_count"`
}

type entry struct {
	adapter providers.Adapter

	mu     sync.RWMutex
	status ProviderStatus
	models []providers.ModelInfo
}

// Registry holds adapters in registration order and probes them every 30s.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]*entry
	observer HealthObserver
	log      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates an empty Registry. observer may be nil.
func New(observer HealthObserver, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		observer: observer,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Register adds an adapter. Registration order is preserved and used as the
// deterministic tie-break everywhere providers are enumerated.
func (r *Registry) Register(a providers.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, ok := r.entries[id]; ok {
		return
	}
	r.order = append(r.order, id)
	r.entries[id] = &entry{
		adapter: a,
		status:  ProviderStatus{ID: id, Name: a.Name()},
	}
}

// Get returns the adapter with the given id.
func (r *Registry) Get(id string) (providers.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// GetAll returns every adapter in registration order.
func (r *Registry) GetAll() []providers.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]providers.Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].adapter)
	}
	return out
}

// GetHealthy returns the adapters whose last probe succeeded, in
// registration order.
func (r *Registry) GetHealthy() []providers.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]providers.Adapter, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.RLock()
		healthy := e.status.Healthy
		e.mu.RUnlock()
		if healthy {
			out = append(out, e.adapter)
		}
	}
	return out
}

// IsHealthy reports the last probe result for id. Unknown ids are unhealthy.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Healthy
}

// FindProviderForModel returns the first healthy provider (registration
// order) whose cached model list contains the given model id.
func (r *Registry) FindProviderForModel(model string) (providers.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		e := r.entries[id]
		e.mu.RLock()
		healthy := e.status.Healthy
		models := e.models
		e.mu.RUnlock()
		if !healthy {
			continue
		}
		for _, m := range models {
			if m.ID == model {
				return e.adapter, true
			}
		}
	}
	return nil, false
}

// GetAllModels returns the union of every provider's cached model list,
// de-duplicated by model id (first provider in registration order wins).
func (r *Registry) GetAllModels() []providers.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []providers.ModelInfo
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.RLock()
		models := e.models
		e.mu.RUnlock()
		for _, m := range models {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Status returns the latest probe results in registration order.
func (r *Registry) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.RLock()
		out = append(out, e.status)
		e.mu.RUnlock()
	}
	return out
}

// Start runs the first probe synchronously, then probes every 30s until
// Stop is called or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.probe(ctx)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(probeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.probe(ctx)
				case <-r.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the probe loop and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// probe checks every adapter in parallel and refreshes its cached model
// list when the probe succeeds.
func (r *Registry) probe(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.probeOne(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, e *entry) {
	a := e.adapter
	hs := a.HealthCheck(ctx)

	var models []providers.ModelInfo
	if hs.Healthy {
		listCtx, cancel := context.WithTimeout(ctx, providers.HealthCheckTimeout)
		var err error
		models, err = a.ListModels(listCtx)
		cancel()
		if err != nil {
			r.log.Warn("model_list_failed", "provider", a.ID(), "error", err)
			models = nil
		}
	}

	e.mu.Lock()
	wasHealthy := e.status.Healthy
	e.status.Healthy = hs.Healthy
	e.status.LatencyMs = hs.LatencyMs
	e.status.Message = hs.Message
	e.status.LastCheck = time.Now()
	if models != nil {
		e.models = models
	}
	e.status.ModelCount = len(e.models)
	e.mu.Unlock()

	if wasHealthy != hs.Healthy {
		if hs.Healthy {
			r.log.Info("provider_recovered", "provider", a.ID(), "latency_ms", hs.LatencyMs)
		} else {
			r.log.Warn("provider_unhealthy", "provider", a.ID(), "reason", hs.Message)
		}
	}
	if r.observer != nil {
		r.observer.SetProviderHealth(a.ID(), hs.Healthy)
	}
}
