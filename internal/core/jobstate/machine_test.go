package jobstate

import (
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestTransitionHappyPaths(t *testing.T) {
	attempt := Attempt{Number: 1, Max: 3}
	tests := []struct {
		name    string
		current domain.JobStatus
		event   Event
		want    domain.JobStatus
	}{
		{"pickup pending", domain.StatusPending, Event{Kind: Pickup, JobType: domain.JobTypeParse, Attempt: attempt}, domain.StatusProcessing},
		{"ocr completed", domain.StatusProcessing, Event{Kind: OCRCompleted, JobType: domain.JobTypeParse, Attempt: attempt}, domain.StatusProcessing},
		{"parse completes from processing", domain.StatusProcessing, Event{Kind: Completed, JobType: domain.JobTypeParse, Attempt: attempt}, domain.StatusCompleted},
		{"extract starts", domain.StatusProcessing, Event{Kind: ExtractionStarted, JobType: domain.JobTypeExtract, Attempt: attempt}, domain.StatusExtracting},
		{"extract completes", domain.StatusExtracting, Event{Kind: Completed, JobType: domain.JobTypeExtract, Attempt: attempt}, domain.StatusCompleted},
		{"failure from extracting", domain.StatusExtracting, Event{Kind: Failed, JobType: domain.JobTypeExtract, Attempt: attempt}, domain.StatusFailed},
		{"retry pickup", domain.StatusFailed, Event{Kind: Pickup, JobType: domain.JobTypeParse, Attempt: Attempt{Number: 2, Max: 3}, RetryCount: 1}, domain.StatusProcessing},
		{"redelivery while processing", domain.StatusProcessing, Event{Kind: Pickup, JobType: domain.JobTypeParse, Attempt: Attempt{Number: 2, Max: 3}}, domain.StatusProcessing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := Transition(tc.current, tc.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Next != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, decision.Next)
			}
		})
	}
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	attempt := Attempt{Number: 1, Max: 3}
	tests := []struct {
		name    string
		current domain.JobStatus
		event   Event
	}{
		{"parse job cannot extract", domain.StatusProcessing, Event{Kind: ExtractionStarted, JobType: domain.JobTypeParse, Attempt: attempt}},
		{"extract job cannot skip extraction", domain.StatusProcessing, Event{Kind: Completed, JobType: domain.JobTypeExtract, Attempt: attempt}},
		{"pending cannot complete", domain.StatusPending, Event{Kind: Completed, JobType: domain.JobTypeParse, Attempt: attempt}},
		{"pending cannot fail", domain.StatusPending, Event{Kind: Failed, JobType: domain.JobTypeParse, Attempt: attempt}},
		{"ocr output needs processing", domain.StatusExtracting, Event{Kind: OCRCompleted, JobType: domain.JobTypeExtract, Attempt: attempt}},
		{"unknown event", domain.StatusPending, Event{Kind: "bogus", Attempt: attempt}},
		{"unknown status", domain.JobStatus("archived"), Event{Kind: Pickup, Attempt: attempt}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Transition(tc.current, tc.event)
			if !domain.IsKind(err, domain.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}
}

func TestTerminalStatusesNeverRegress(t *testing.T) {
	kinds := []EventKind{Pickup, OCRCompleted, ExtractionStarted, Completed, Failed}
	for _, kind := range kinds {
		for _, jobType := range []domain.JobType{domain.JobTypeParse, domain.JobTypeExtract} {
			ev := Event{Kind: kind, JobType: jobType, Attempt: Attempt{Number: 3, Max: 3}, RetryCount: 3}
			if _, err := Transition(domain.StatusCompleted, ev); !domain.IsKind(err, domain.ErrInvalidTransition) {
				t.Fatalf("completed accepted %s for %s job", kind, jobType)
			}
			if _, err := Transition(domain.StatusFailed, ev); !domain.IsKind(err, domain.ErrInvalidTransition) {
				t.Fatalf("exhausted failed accepted %s for %s job", kind, jobType)
			}
		}
	}
}

func TestFailureRetriesWhileAttemptsRemain(t *testing.T) {
	for number := 1; number <= 3; number++ {
		decision, err := Transition(domain.StatusProcessing, Event{
			Kind:       Failed,
			JobType:    domain.JobTypeParse,
			Attempt:    Attempt{Number: number, Max: 3},
			RetryCount: number - 1,
		})
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", number, err)
		}
		wantRetry := number < 3
		if decision.Retry != wantRetry {
			t.Fatalf("attempt %d: expected retry=%v", number, wantRetry)
		}
		if !decision.Has(IncrementRetry) || !decision.Has(SetError) {
			t.Fatalf("attempt %d: expected error and retry effects, got %v", number, decision.Effects)
		}
		if decision.Has(Requeue) != wantRetry {
			t.Fatalf("attempt %d: requeue effect mismatch: %v", number, decision.Effects)
		}
		if !wantRetry && !decision.Has(SetCompletedAt) {
			t.Fatalf("terminal failure must set completedAt: %v", decision.Effects)
		}
	}
}

func TestFinalFailurePersistsExhaustion(t *testing.T) {
	// Delivery 3 of 3 after a crashed first delivery: only one failure was counted.
	decision, err := Transition(domain.StatusProcessing, Event{
		Kind:       Failed,
		JobType:    domain.JobTypeExtract,
		Attempt:    Attempt{Number: 3, Max: 3},
		RetryCount: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Retry || decision.RetryCount != 3 {
		t.Fatalf("expected terminal failure with retryCount 3, got %+v", decision)
	}
	if !IsTerminal(decision.Next, decision.RetryCount, 3) {
		t.Fatalf("final failure must be terminal")
	}

	decision, err = Transition(domain.StatusProcessing, Event{
		Kind:       Failed,
		JobType:    domain.JobTypeParse,
		Attempt:    Attempt{Number: 2, Max: 3},
		RetryCount: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Retry || decision.RetryCount != 1 {
		t.Fatalf("expected retry with retryCount 1, got %+v", decision)
	}
}

func TestCompletionEffects(t *testing.T) {
	decision, err := Transition(domain.StatusProcessing, Event{Kind: Completed, JobType: domain.JobTypeParse, Attempt: Attempt{Number: 1, Max: 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Has(SetJSONResult) {
		t.Fatalf("parse completion must not set json result")
	}
	if !decision.Has(SetCompletedAt) || !decision.Has(SetProcessingTime) {
		t.Fatalf("unexpected effects: %v", decision.Effects)
	}

	decision, err = Transition(domain.StatusExtracting, Event{Kind: Completed, JobType: domain.JobTypeExtract, Attempt: Attempt{Number: 1, Max: 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Has(SetJSONResult) {
		t.Fatalf("extract completion must set json result: %v", decision.Effects)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(domain.StatusCompleted, 0, 3) {
		t.Fatalf("completed must be terminal")
	}
	if IsTerminal(domain.StatusFailed, 2, 3) {
		t.Fatalf("failed with retries left must not be terminal")
	}
	if !IsTerminal(domain.StatusFailed, 3, 3) {
		t.Fatalf("failed without retries left must be terminal")
	}
	if IsTerminal(domain.StatusExtracting, 0, 3) {
		t.Fatalf("extracting must not be terminal")
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 6, max: 10 * time.Second, want: 10 * time.Second},
	}
	for _, tc := range tests {
		if got := Backoff(base, tc.max, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
	if got := Backoff(0, time.Second, 3); got != 0 {
		t.Fatalf("expected zero backoff for zero base, got %s", got)
	}
}
