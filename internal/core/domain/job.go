package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusExtracting JobStatus = "extracting"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusExtracting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type JobType string

const (
	JobTypeParse   JobType = "parse"
	JobTypeExtract JobType = "extract"
)

func (t JobType) Valid() bool {
	return t == JobTypeParse || t == JobTypeExtract
}

type Job struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organizationId"`
	UserID         string  `json:"userId"`
	Type           JobType `json:"type"`

	FileKey   string `json:"fileKey,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`

	LLMProvider string `json:"llmProvider,omitempty"`
	LLMModel    string `json:"llmModel,omitempty"`
	SchemaID    string `json:"schemaId,omitempty"`

	Status JobStatus `json:"status"`

	MarkdownResult   string          `json:"markdownResult,omitempty"`
	JSONResult       json.RawMessage `json:"jsonResult,omitempty"`
	PageCount        int             `json:"pageCount"`
	TokenCount       int             `json:"tokenCount"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (j *Job) HasStoredFile() bool {
	return j.FileKey != ""
}

// JobPatch is a partial update applied by the worker pipeline.
// Nil fields are left untouched.
type JobPatch struct {
	Status           *JobStatus
	MimeType         *string
	FileName         *string
	FileSize         *int64
	MarkdownResult   *string
	JSONResult       json.RawMessage
	PageCount        *int
	TokenCount       *int
	ProcessingTimeMs *int64
	ErrorCode        *string
	ErrorMessage     *string
	RetryCount       *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (p JobPatch) IsEmpty() bool {
	return p.Status == nil && p.MimeType == nil && p.FileName == nil && p.FileSize == nil &&
		p.MarkdownResult == nil && p.JSONResult == nil && p.PageCount == nil && p.TokenCount == nil &&
		p.ProcessingTimeMs == nil && p.ErrorCode == nil && p.ErrorMessage == nil && p.RetryCount == nil &&
		p.StartedAt == nil && p.CompletedAt == nil
}

// Apply copies the set fields of the patch onto job.
func (p JobPatch) Apply(job *Job, now time.Time) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.MimeType != nil {
		job.MimeType = *p.MimeType
	}
	if p.FileName != nil {
		job.FileName = *p.FileName
	}
	if p.FileSize != nil {
		job.FileSize = *p.FileSize
	}
	if p.MarkdownResult != nil {
		job.MarkdownResult = *p.MarkdownResult
	}
	if p.JSONResult != nil {
		job.JSONResult = append(json.RawMessage(nil), p.JSONResult...)
	}
	if p.PageCount != nil {
		job.PageCount = *p.PageCount
	}
	if p.TokenCount != nil {
		job.TokenCount = *p.TokenCount
	}
	if p.ProcessingTimeMs != nil {
		job.ProcessingTimeMs = *p.ProcessingTimeMs
	}
	if p.ErrorCode != nil {
		job.ErrorCode = *p.ErrorCode
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryCount != nil {
		job.RetryCount = *p.RetryCount
	}
	if p.StartedAt != nil {
		started := *p.StartedAt
		job.StartedAt = &started
	}
	if p.CompletedAt != nil {
		completed := *p.CompletedAt
		job.CompletedAt = &completed
	}
	job.UpdatedAt = now
}

type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type ListFilter struct {
	Status JobStatus
	Type   JobType
}

type ListSort struct {
	Field     SortField
	Direction SortDirection
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type JobPage struct {
	Data       []Job      `json:"data"`
	Pagination Pagination `json:"pagination"`
}
