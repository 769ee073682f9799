package ports

import (
	"context"
	"io"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// CreateJobInput carries the processing parameters of a new job.
type CreateJobInput struct {
	OrganizationID string
	UserID         string
	Type           domain.JobType
	LLMProvider    string
	LLMModel       string
	SchemaID       string
}

// FileInput is an uploaded document.
type FileInput struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// JobIntake is the inbound contract for job creation and deletion.
type JobIntake interface {
	CreateFromFile(ctx context.Context, in CreateJobInput, file FileInput) (*domain.Job, error)
	CreateFromURL(ctx context.Context, in CreateJobInput, sourceURL string) (*domain.Job, error)
	Delete(ctx context.Context, orgID, userID, id string) error
}

// ListQuery is a paginated listing request.
type ListQuery struct {
	Filter   domain.ListFilter
	Sort     domain.ListSort
	Page     int
	PageSize int
}

// DownloadContent is a rendered job result.
type DownloadContent struct {
	Content     []byte
	ContentType string
	FileName    string
}

// JobQueryService is the inbound read model for jobs.
type JobQueryService interface {
	Get(ctx context.Context, orgID, userID, id string) (*domain.Job, error)
	List(ctx context.Context, orgID, userID string, q ListQuery) (*domain.JobPage, error)
	Download(ctx context.Context, orgID, userID, id, format string) (*DownloadContent, error)
	FileURL(ctx context.Context, job *domain.Job) (string, error)
}

// JobProcessor is the inbound contract for asynchronous job processing.
type JobProcessor interface {
	Handle(ctx context.Context, delivery domain.Delivery) domain.Outcome
}
