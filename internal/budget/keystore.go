// Package budget holds the API-key store and the budget enforcer that
// gate request admission.
package budget

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const keyIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// KeyRecord is one issued API key with its usage counters. Budget and
// rate-limit fields are optional; zero means "no limit".
type KeyRecord struct {
	ID                 string    `json:"id"`
	Key                string    `json:"key"`
	Name               string    `json:"name"`
	Enabled            bool      `json:"enabled"`
	MonthlyTokenBudget int64     `json:"monthly_token_budget,omitempty"`
	MonthlyCostBudget  float64   `json:"monthly_cost_budget_usd,omitempty"`
	RateLimitRPM       int       `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM       int       `json:"rate_limit_tpm,omitempty"`
	TokensUsed         int64     `json:"tokens_used_this_month"`
	CostUsed           float64   `json:"cost_used_this_month_usd"`
	LastResetAt        time.Time `json:"last_reset_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// KeyOptions configures a new key.
type KeyOptions struct {
	Name               string  `json:"name"`
	MonthlyTokenBudget int64   `json:"monthly_token_budget,omitempty"`
	MonthlyCostBudget  float64 `json:"monthly_cost_budget_usd,omitempty"`
	RateLimitRPM       int     `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM       int     `json:"rate_limit_tpm,omitempty"`
}

// KeyStore keeps issued keys in memory, in creation order.
type KeyStore struct {
	env string

	mu      sync.Mutex
	byKey   map[string]*KeyRecord
	byID    map[string]*KeyRecord
	order   []string // record ids in creation order
	nowFunc func() time.Time
}

// NewKeyStore creates a store whose minted keys carry the environment
// name ("dev", "prod", ...).
func NewKeyStore(env string) *KeyStore {
	if env == "" {
		env = "dev"
	}
	return &KeyStore{
		env:     env,
		byKey:   make(map[string]*KeyRecord),
		byID:    make(map[string]*KeyRecord),
		nowFunc: time.Now,
	}
}

// Create mints a key "gw-{env}-{16 random chars}".
func (s *KeyStore) Create(opts KeyOptions) *KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	rec := &KeyRecord{
		ID:                 uuid.NewString(),
		Key:                fmt.Sprintf("gw-%s-%s", s.env, randomID(16)),
		Name:               opts.Name,
		Enabled:            true,
		MonthlyTokenBudget: opts.MonthlyTokenBudget,
		MonthlyCostBudget:  opts.MonthlyCostBudget,
		RateLimitRPM:       opts.RateLimitRPM,
		RateLimitTPM:       opts.RateLimitTPM,
		LastResetAt:        now,
		CreatedAt:          now,
	}
	s.byKey[rec.Key] = rec
	s.byID[rec.ID] = rec
	s.order = append(s.order, rec.ID)

	out := *rec
	return &out
}

// Validate returns a copy of the record iff the key exists and is
// enabled. The first access in a new calendar month zeroes the usage
// counters atomically.
func (s *KeyStore) Validate(key string) (*KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byKey[key]
	if !ok || !rec.Enabled {
		return nil, false
	}

	now := s.nowFunc()
	if now.Year() != rec.LastResetAt.Year() || now.Month() != rec.LastResetAt.Month() {
		rec.TokensUsed = 0
		rec.CostUsed = 0
		rec.LastResetAt = now
	}

	out := *rec
	return &out, true
}

// RecordUsage adds the request's token and cost deltas to the record.
func (s *KeyStore) RecordUsage(id string, tokens int64, costUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byID[id]; ok {
		rec.TokensUsed += tokens
		rec.CostUsed += costUSD
	}
}

// Revoke disables the key. Returns false when unknown.
func (s *KeyStore) Revoke(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byKey[key]
	if !ok {
		return false
	}
	rec.Enabled = false
	return true
}

// List returns copies of all records in creation order.
func (s *KeyStore) List() []KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]KeyRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

func randomID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a uuid slice just in case.
		return uuid.NewString()[:n]
	}
	for i, b := range buf {
		buf[i] = keyIDAlphabet[int(b)%len(keyIDAlphabet)]
	}
	return string(buf)
}
