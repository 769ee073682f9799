package resilience

import (
	"testing"
	"time"
)

func TestPolicyForLongestPrefixWins(t *testing.T) {
	cfg := Config{
		RetryMaxAttempts:    4,
		RetryInitialBackoff: 10 * time.Millisecond,
		RetryMaxBackoff:     40 * time.Millisecond,
		BreakerOpenTimeout:  time.Second,
		Operations: map[string]Policy{
			"llm.":        {MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond},
			"llm.gemini.": {MaxAttempts: 2, OpenTimeout: time.Minute},
		},
	}.normalize()

	p := cfg.policyFor("llm.gemini.generate")
	if p.MaxAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", p.MaxAttempts)
	}
	if p.OpenTimeout != time.Minute {
		t.Fatalf("expected gemini open timeout, got %s", p.OpenTimeout)
	}
	if p.InitialBackoff != 10*time.Millisecond {
		t.Fatalf("shorter prefix must not leak into the match, got %s", p.InitialBackoff)
	}

	p = cfg.policyFor("llm.ollama.generate")
	if p.MaxAttempts != 3 || p.InitialBackoff != 100*time.Millisecond {
		t.Fatalf("unexpected llm policy: %+v", p)
	}
	// max backoff is raised to the initial one
	if p.MaxBackoff != 100*time.Millisecond {
		t.Fatalf("expected max backoff 100ms, got %s", p.MaxBackoff)
	}
}

func TestPolicyForFallsBackToGlobal(t *testing.T) {
	cfg := DefaultConfig().normalize()
	p := cfg.policyFor("storage.get")
	if p.MaxAttempts != cfg.RetryMaxAttempts || p.InitialBackoff != cfg.RetryInitialBackoff {
		t.Fatalf("expected global policy, got %+v", p)
	}
	if p.OpenTimeout != cfg.BreakerOpenTimeout {
		t.Fatalf("expected global open timeout, got %s", p.OpenTimeout)
	}
}

func TestPolicyForCapsAttemptsAtGlobalBudget(t *testing.T) {
	cfg := Config{
		RetryMaxAttempts: 1,
		Operations: map[string]Policy{
			"ocr.remote": {MaxAttempts: 5},
		},
	}.normalize()
	if got := cfg.policyFor("ocr.remote.parse").MaxAttempts; got != 1 {
		t.Fatalf("expected attempts capped at 1, got %d", got)
	}
}
