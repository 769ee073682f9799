package domain

import "time"

type EventType string

const (
	EventStatus  EventType = "status"
	EventDeleted EventType = "deleted"
)

// StatusEvent is emitted on every state-machine transition of a job.
type StatusEvent struct {
	Type       EventType      `json:"type"`
	JobID      string         `json:"jobId"`
	Status     JobStatus      `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func NewStatusEvent(job *Job, now time.Time) StatusEvent {
	data := map[string]any{"status": job.Status}
	switch job.Status {
	case StatusProcessing, StatusExtracting:
		if job.PageCount > 0 {
			data["pageCount"] = job.PageCount
		}
		if job.RetryCount > 0 {
			data["retryCount"] = job.RetryCount
		}
	case StatusCompleted:
		data["pageCount"] = job.PageCount
		data["processingTimeMs"] = job.ProcessingTimeMs
	case StatusFailed:
		data["errorCode"] = job.ErrorCode
		data["errorMessage"] = job.ErrorMessage
		data["retryCount"] = job.RetryCount
	}
	return StatusEvent{
		Type:       EventStatus,
		JobID:      job.ID,
		Status:     job.Status,
		Data:       data,
		OccurredAt: now,
	}
}
