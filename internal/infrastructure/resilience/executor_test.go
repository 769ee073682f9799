package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func fastConfig(attempts int) Config {
	return Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		Operations:          map[string]Policy{},
	}
}

func TestExecuteRetryBudget(t *testing.T) {
	errTemp := domain.WrapError(domain.ErrTemporary, "ocr.parse", errors.New("busy"))
	errPermanent := errors.New("permanent")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{"recovers on last attempt", 2, errTemp, nil, 3},
		{"gives up after budget", 5, errTemp, errTemp, 3},
		{"permanent error is not retried", 5, errPermanent, errPermanent, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(fastConfig(3))
			calls := 0
			err := exec.Execute(context.Background(), "ocr.parse", func(context.Context) error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			}, nil)
			if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if calls != tc.wantCalls {
				t.Fatalf("expected %d calls, got %d", tc.wantCalls, calls)
			}
		})
	}
}

func TestExecuteAppliesOperationPolicy(t *testing.T) {
	cfg := fastConfig(3)
	cfg.Operations = map[string]Policy{"llm.": {MaxAttempts: 1}}
	exec := NewExecutor(cfg)

	failing := func(calls *int) func(context.Context) error {
		return func(context.Context) error {
			*calls++
			return &StatusError{Service: "model", Code: 503}
		}
	}

	var llmCalls, storageCalls int
	_ = exec.Execute(context.Background(), "llm.openai.chat", failing(&llmCalls), ClassifyHTTP)
	_ = exec.Execute(context.Background(), "storage.get", failing(&storageCalls), ClassifyHTTP)
	if llmCalls != 1 {
		t.Fatalf("llm calls = %d, want 1", llmCalls)
	}
	if storageCalls != 3 {
		t.Fatalf("storage calls = %d, want 3", storageCalls)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "ocr.parse", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "ocr.parse", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestDoReturnsValueAfterRetry(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		BreakerEnabled:      false,
	})

	calls := 0
	got, err := Do(context.Background(), exec, "storage.get", func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, domain.WrapError(domain.ErrTemporary, "storage.get", errors.New("503"))
		}
		return []byte("pdf"), nil
	}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if string(got) != "pdf" || calls != 2 {
		t.Fatalf("unexpected result %q after %d calls", got, calls)
	}
}

func TestDoWithoutExecutorCallsThrough(t *testing.T) {
	got, err := Do(context.Background(), nil, "ocr.parse", func(context.Context) (int, error) { return 7, nil }, nil)
	if err != nil || got != 7 {
		t.Fatalf("expected passthrough, got %d %v", got, err)
	}
}

func TestClassifyTemporary(t *testing.T) {
	if c := ClassifyTemporary(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("cancellation must not be retried or recorded: %+v", c)
	}
	if c := ClassifyTemporary(domain.WrapError(domain.ErrTemporary, "ocr.parse", errors.New("x"))); !c.Retryable {
		t.Fatalf("temporary errors must be retryable")
	}
	if c := ClassifyTemporary(errors.New("bad request")); c.Retryable || !c.RecordFailure {
		t.Fatalf("plain errors are permanent failures: %+v", c)
	}
}

func TestMarkTemporary(t *testing.T) {
	err := MarkTemporary("ocr.parse", gobreaker.ErrOpenState, nil)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("open circuit must be temporary, got %v", err)
	}
	plain := errors.New("permanent")
	if got := MarkTemporary("ocr.parse", plain, nil); got != plain {
		t.Fatalf("permanent error must pass through, got %v", got)
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		record    bool
	}{
		{400, false, false},
		{404, false, false},
		{408, true, true},
		{429, true, true},
		{502, true, true},
	}
	for _, tc := range tests {
		c := ClassifyHTTP(fmt.Errorf("call: %w", &StatusError{Service: "svc", Code: tc.code}))
		if c.Retryable != tc.retryable || c.RecordFailure != tc.record {
			t.Fatalf("HTTP %d: unexpected classification %+v", tc.code, c)
		}
	}
}

func TestClassifyOnSentinels(t *testing.T) {
	errDown := errors.New("broker down")
	classify := ClassifyOn(errDown)
	if c := classify(fmt.Errorf("publish: %w", errDown)); !c.Retryable {
		t.Fatalf("sentinel must be retryable")
	}
	if c := classify(gobreaker.ErrTooManyRequests); !c.Retryable {
		t.Fatalf("half-open rejection must be retryable")
	}
	if c := classify(errors.New("bad subject")); c.Retryable {
		t.Fatalf("unknown error must not be retryable")
	}
}
