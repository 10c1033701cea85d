// Package resilience contains the per-provider circuit breakers and the
// fallback chain that executes routed requests against them.
package resilience

import (
	"sync"
	"time"
)

// BreakerState of one circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// BreakerConfig is immutable per breaker.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// DefaultBreakerConfig matches the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// Breaker is a circuit breaker for one provider.
//
// closed → open after FailureThreshold consecutive failures; open →
// half_open on the first State() read after ResetTimeout has elapsed;
// half_open → closed after HalfOpenMaxAttempts consecutive successes,
// back to open on any failure.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	successCount     int
	lastFailure      time.Time
	halfOpenAttempts int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, promoting open → half_open once the
// reset timeout has elapsed since the last failure.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.halfOpenAttempts = 0
		b.successCount = 0
	}
	return b.state
}

// Allow reports whether a call may proceed, consuming a half-open probe
// slot when in half_open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenAttempts++
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxAttempts {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenAttempts = 0
		}
	}
}

// RecordFailure notes a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.stateLocked() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.successCount = 0
			b.halfOpenAttempts = 0
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.halfOpenAttempts = 0
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenAttempts = 0
}

// Snapshot is a point-in-time view of one breaker (gateway API).
type Snapshot struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
	LastFailure  string `json:"last_failure,omitempty"`
}

func (b *Breaker) snapshot(provider string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Provider:     provider,
		State:        b.stateLocked().String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.UTC().Format(time.RFC3339)
	}
	return s
}

// StateObserver receives breaker state transitions (metrics gauge:
// 0=closed, 1=half-open, 2=open).
type StateObserver interface {
	SetBreakerState(provider string, state int)
}

// Manager holds one lazily-created breaker per provider id.
type Manager struct {
	cfg      BreakerConfig
	observer StateObserver

	mu       sync.Mutex
	breakers map[string]*Breaker
	order    []string
}

// NewManager creates a Manager; observer may be nil.
func NewManager(cfg BreakerConfig, observer StateObserver) *Manager {
	return &Manager{
		cfg:      cfg,
		observer: observer,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (m *Manager) Get(provider string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[provider]
	if !ok {
		b = NewBreaker(m.cfg)
		m.breakers[provider] = b
		m.order = append(m.order, provider)
	}
	return b
}

// Snapshots returns every breaker's state in creation order.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	breakers := make([]*Breaker, 0, len(order))
	for _, id := range order {
		breakers = append(breakers, m.breakers[id])
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(order))
	for i, b := range breakers {
		out = append(out, b.snapshot(order[i]))
	}
	return out
}

// RecordSuccess forwards to the provider's breaker and publishes the
// resulting state.
func (m *Manager) RecordSuccess(provider string) {
	b := m.Get(provider)
	b.RecordSuccess()
	m.publish(provider, b)
}

// RecordFailure forwards to the provider's breaker and publishes the
// resulting state.
func (m *Manager) RecordFailure(provider string) {
	b := m.Get(provider)
	b.RecordFailure()
	m.publish(provider, b)
}

// Allow reports whether the provider's breaker admits a call.
func (m *Manager) Allow(provider string) bool {
	return m.Get(provider).Allow()
}

// Reset forces the provider's breaker closed.
func (m *Manager) Reset(provider string) {
	b := m.Get(provider)
	b.Reset()
	m.publish(provider, b)
}

func (m *Manager) publish(provider string, b *Breaker) {
	if m.observer == nil {
		return
	}
	var v int
	switch b.State() {
	case StateClosed:
		v = 0
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	m.observer.SetBreakerState(provider, v)
}
