package resilience

import (
	"strings"
	"time"
)

// Policy bounds in-call retries and the breaker of one family of operations.
// Zero fields inherit from Config.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OpenTimeout    time.Duration
}

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	// Operations overrides the defaults by operation name prefix, e.g. "llm." or "ocr.remote".
	// The longest matching prefix wins.
	Operations map[string]Policy
}

// DefaultConfig keeps storage and broker calls snappy. Model and OCR calls are
// slow and rate limited, so they retry less often with longer pauses.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,

		Operations: map[string]Policy{
			"llm.": {
				MaxAttempts:    2,
				InitialBackoff: time.Second,
				MaxBackoff:     4 * time.Second,
				OpenTimeout:    time.Minute,
			},
			"ocr.remote": {
				MaxAttempts:    2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				OpenTimeout:    time.Minute,
			},
			"fetch.": {
				InitialBackoff: 250 * time.Millisecond,
				MaxBackoff:     time.Second,
			},
		},
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	out := c

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	out.RetryMaxBackoff = max(out.RetryMaxBackoff, out.RetryInitialBackoff)
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	if out.Operations == nil {
		out.Operations = def.Operations
	}
	return out
}

// policyFor resolves the effective policy of operation.
func (c Config) policyFor(operation string) Policy {
	p := Policy{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		OpenTimeout:    c.BreakerOpenTimeout,
	}

	best := ""
	for prefix := range c.Operations {
		if strings.HasPrefix(operation, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return p
	}

	o := c.Operations[best]
	if o.MaxAttempts > 0 {
		// The global attempt budget is an upper bound for every family.
		p.MaxAttempts = min(o.MaxAttempts, c.RetryMaxAttempts)
	}
	if o.InitialBackoff > 0 {
		p.InitialBackoff = o.InitialBackoff
	}
	if o.MaxBackoff > 0 {
		p.MaxBackoff = o.MaxBackoff
	}
	p.MaxBackoff = max(p.MaxBackoff, p.InitialBackoff)
	if o.OpenTimeout > 0 {
		p.OpenTimeout = o.OpenTimeout
	}
	return p
}
