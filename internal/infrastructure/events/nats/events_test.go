package nats

import (
	"encoding/json"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	job := &domain.Job{ID: "job-1", Status: domain.StatusFailed, ErrorCode: "OCR_ERROR", RetryCount: 3}
	payload, err := json.Marshal(domain.NewStatusEvent(job, job.UpdatedAt))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	event, err := decodeEvent(payload)
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if event.JobID != "job-1" || event.Status != domain.StatusFailed || event.Data["errorCode"] != "OCR_ERROR" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := decodeEvent([]byte(`{"status":"processing"}`)); err == nil {
		t.Fatalf("expected error for missing job id")
	}
	event, err := decodeEvent([]byte(`{"jobId":"job-2","status":"processing"}`))
	if err != nil || event.Type != domain.EventStatus {
		t.Fatalf("expected default status type, got %+v %v", event, err)
	}
}

func TestSubjectFor(t *testing.T) {
	if got := subjectFor(DefaultSubjectPrefix, "abc"); got != "docflow.jobs.status.abc" {
		t.Fatalf("unexpected subject %s", got)
	}
}
