package domain

import "time"

// WorkItem is the queue payload referencing a job.
type WorkItem struct {
	JobID          string    `json:"jobId"`
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Delivery is one delivery attempt of a work item.
type Delivery struct {
	Item        WorkItem
	Attempt     int
	MaxAttempts int
}

type OutcomeAction int

const (
	OutcomeAck OutcomeAction = iota
	OutcomeRetry
	OutcomeDrop
	// OutcomeRelease leaves the item to the worker holding the job lease.
	// It settles without consuming an attempt or retaining a terminal record.
	OutcomeRelease
)

func (a OutcomeAction) String() string {
	switch a {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	case OutcomeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Outcome tells the queue transport how to settle a delivery.
type Outcome struct {
	Action OutcomeAction
	Delay  time.Duration
	// Terminal is the final job status when the delivery ended the job's life in
	// the queue; empty for retries and dropped items.
	Terminal JobStatus
	Err      error
}

// TerminalRecord is retained by the queue transport after an item leaves the queue.
type TerminalRecord struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}
