package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// JobRepository persists job records. Reads and deletes are tenant scoped.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, orgID, userID, id string) (*domain.Job, error)
	GetForProcessing(ctx context.Context, id string) (*domain.Job, error)
	Update(ctx context.Context, id string, patch domain.JobPatch) error
	Delete(ctx context.Context, orgID, userID, id string) error
	List(ctx context.Context, orgID, userID string, filter domain.ListFilter, sort domain.ListSort, page, pageSize int) ([]domain.Job, int, error)
	Ping(ctx context.Context) error
}

// ObjectStorage stores uploaded documents.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// SourceFetcher resolves a remote source URL into document bytes.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*domain.SourceDocument, error)
}

// OCREngine converts document bytes into markdown text.
type OCREngine interface {
	Parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error)
}

// StructuredExtractor turns markdown into a JSON document via an LLM.
type StructuredExtractor interface {
	Extract(ctx context.Context, req domain.ExtractionRequest) (json.RawMessage, error)
}

// SchemaStore resolves schema references of extract jobs.
type SchemaStore interface {
	GetSchema(ctx context.Context, orgID, id string) (*domain.ExtractionSchema, error)
}

// ResultValidator checks an extraction result against its schema.
type ResultValidator interface {
	Validate(schema map[string]any, result json.RawMessage) error
}

// TokenCounter counts model tokens of OCR output.
type TokenCounter interface {
	Count(text string) int
}

// WorkQueue enqueues work items for the worker pipeline.
type WorkQueue interface {
	Enqueue(ctx context.Context, item domain.WorkItem) error
	Ping(ctx context.Context) error
}

// WorkSource hands out deliveries to worker executors one at a time.
type WorkSource interface {
	Next(ctx context.Context) (Delivery, error)
}

// Delivery is a leased work item awaiting settlement.
type Delivery interface {
	Info() domain.Delivery
	Settle(ctx context.Context, outcome domain.Outcome) error
}

// LeaseExtender is implemented by deliveries whose lease can be renewed while in flight.
type LeaseExtender interface {
	Extend(ctx context.Context) error
}

// StatusNotifier fans out job status events to observers.
type StatusNotifier interface {
	Publish(ctx context.Context, event domain.StatusEvent)
}

// JobLocker guards a job id against concurrent processing.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ObserverRegistry releases live observers of a job.
type ObserverRegistry interface {
	Drop(ctx context.Context, jobID string)
}
