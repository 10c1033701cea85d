package resilience

import (
	"testing"
	"time"
)

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker(testConfig())
	if b.State() != StateClosed {
		t.Errorf("new breaker should start closed, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("should be open after 5 failures, got %v", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject requests")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()

	// The counter restarted: four more failures must not trip it.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Errorf("should still be closed, got %v", b.State())
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker(testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	now = now.Add(29 * time.Second)
	if b.State() != StateOpen {
		t.Error("should still be open before reset timeout")
	}

	now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Errorf("should be half_open after reset timeout, got %v", b.State())
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	b := NewBreaker(testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("half_open should admit probe %d", i)
		}
	}
	if b.Allow() {
		t.Error("half_open should reject once probe slots are spent")
	}
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	b := NewBreaker(testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d rejected", i)
		}
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Errorf("should close after 3 half_open successes, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("half_open failure should reopen, got %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("reset should close the breaker, got %v", b.State())
	}
}

func TestManager_SnapshotsInCreationOrder(t *testing.T) {
	m := NewManager(testConfig(), nil)
	m.RecordFailure("openai")
	m.RecordSuccess("groq")
	m.RecordFailure("ollama")

	snaps := m.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	want := []string{"openai", "groq", "ollama"}
	for i, s := range snaps {
		if s.Provider != want[i] {
			t.Errorf("snapshot %d: expected %s, got %s", i, want[i], s.Provider)
		}
	}
	if snaps[0].FailureCount != 1 {
		t.Errorf("openai failure count: expected 1, got %d", snaps[0].FailureCount)
	}
	if snaps[0].LastFailure == "" {
		t.Error("openai snapshot should carry last_failure")
	}
	if snaps[1].LastFailure != "" {
		t.Error("groq snapshot should not carry last_failure")
	}
}

type recordingObserver struct {
	provider string
	state    int
	calls    int
}

func (o *recordingObserver) SetBreakerState(provider string, state int) {
	o.provider = provider
	o.state = state
	o.calls++
}

func TestManager_PublishesStateTransitions(t *testing.T) {
	obs := &recordingObserver{}
	m := NewManager(testConfig(), obs)

	for i := 0; i < 5; i++ {
		m.RecordFailure("openai")
	}
	if obs.provider != "openai" || obs.state != 2 {
		t.Errorf("expected open (2) published for openai, got %d for %s", obs.state, obs.provider)
	}

	m.Reset("openai")
	if obs.state != 0 {
		t.Errorf("expected closed (0) after reset, got %d", obs.state)
	}
}
