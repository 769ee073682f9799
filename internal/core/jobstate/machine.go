// Package jobstate holds the pure transition rules of the job lifecycle.
package jobstate

import (
	"fmt"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type EventKind string

const (
	Pickup            EventKind = "pickup"
	OCRCompleted      EventKind = "ocr_completed"
	ExtractionStarted EventKind = "extraction_started"
	Completed         EventKind = "completed"
	Failed            EventKind = "failed"
)

// Attempt is the delivery counter of the work item driving the job.
// Number is 1-based.
type Attempt struct {
	Number int
	Max    int
}

type Event struct {
	Kind       EventKind
	JobType    domain.JobType
	Attempt    Attempt
	RetryCount int
}

type Effect string

const (
	SetStartedAt      Effect = "set_started_at"
	SetCompletedAt    Effect = "set_completed_at"
	SetProcessingTime Effect = "set_processing_time"
	SetOCRResult      Effect = "set_ocr_result"
	SetJSONResult     Effect = "set_json_result"
	SetError          Effect = "set_error"
	ClearError        Effect = "clear_error"
	IncrementRetry    Effect = "increment_retry"
	Requeue           Effect = "requeue"
)

// Decision is the outcome of a transition. Effects are applied by the caller.
// RetryCount is the value to persist when Effects holds IncrementRetry.
type Decision struct {
	Next       domain.JobStatus
	Effects    []Effect
	Retry      bool
	RetryCount int
}

func (d Decision) Has(effect Effect) bool {
	for _, e := range d.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

// Transition computes the next status for ev applied on current.
func Transition(current domain.JobStatus, ev Event) (Decision, error) {
	if !current.Valid() {
		return Decision{}, invalid(current, ev, "unknown status")
	}
	if IsTerminal(current, ev.RetryCount, ev.Attempt.Max) {
		return Decision{}, invalid(current, ev, "terminal status")
	}

	switch ev.Kind {
	case Pickup:
		switch current {
		case domain.StatusPending:
			return Decision{Next: domain.StatusProcessing, Effects: []Effect{SetStartedAt}}, nil
		case domain.StatusFailed:
			return Decision{Next: domain.StatusProcessing, Effects: []Effect{SetStartedAt}}, nil
		case domain.StatusProcessing, domain.StatusExtracting:
			// Redelivery after a worker crashed mid-attempt; the attempt restarts.
			return Decision{Next: domain.StatusProcessing, Effects: []Effect{SetStartedAt}}, nil
		}
	case OCRCompleted:
		if current == domain.StatusProcessing {
			return Decision{Next: domain.StatusProcessing, Effects: []Effect{SetOCRResult}}, nil
		}
	case ExtractionStarted:
		if current == domain.StatusProcessing && ev.JobType == domain.JobTypeExtract {
			return Decision{Next: domain.StatusExtracting}, nil
		}
	case Completed:
		if (current == domain.StatusProcessing && ev.JobType == domain.JobTypeParse) ||
			(current == domain.StatusExtracting && ev.JobType == domain.JobTypeExtract) {
			effects := []Effect{SetCompletedAt, SetProcessingTime, ClearError}
			if ev.JobType == domain.JobTypeExtract {
				effects = append(effects, SetJSONResult)
			}
			return Decision{Next: domain.StatusCompleted, Effects: effects}, nil
		}
	case Failed:
		if current == domain.StatusProcessing || current == domain.StatusExtracting {
			if ShouldRetry(ev.Attempt) {
				return Decision{
					Next:       domain.StatusFailed,
					Effects:    []Effect{SetError, IncrementRetry, Requeue},
					Retry:      true,
					RetryCount: ev.RetryCount + 1,
				}, nil
			}
			// Deliveries lost to crashes or outages never bumped the counter, so
			// exhaustion is written out for IsTerminal to see.
			return Decision{
				Next:       domain.StatusFailed,
				Effects:    []Effect{SetError, IncrementRetry, SetCompletedAt, SetProcessingTime},
				RetryCount: max(ev.RetryCount+1, ev.Attempt.Max),
			}, nil
		}
	default:
		return Decision{}, invalid(current, ev, "unknown event")
	}
	return Decision{}, invalid(current, ev, "not permitted")
}

// IsTerminal reports whether status admits no further transition.
// A failed job stays open while retries remain.
func IsTerminal(status domain.JobStatus, retryCount, maxAttempts int) bool {
	switch status {
	case domain.StatusCompleted:
		return true
	case domain.StatusFailed:
		return retryCount >= maxAttempts
	default:
		return false
	}
}

// ShouldRetry grants a retry while attempts made stay below the maximum.
func ShouldRetry(a Attempt) bool {
	return a.Number < a.Max
}

func invalid(current domain.JobStatus, ev Event, reason string) error {
	return domain.WrapError(
		domain.ErrInvalidTransition,
		"jobstate.Transition",
		fmt.Errorf("%s on %s (%s job, attempt %d/%d): %s", ev.Kind, current, ev.JobType, ev.Attempt.Number, ev.Attempt.Max, reason),
	)
}
