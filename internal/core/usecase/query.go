package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	FormatMarkdown = "md"
	FormatJSON     = "json"
)

type QueryUseCase struct {
	repo       ports.JobRepository
	storage    ports.ObjectStorage
	presignTTL time.Duration
}

func NewQueryUseCase(repo ports.JobRepository, storage ports.ObjectStorage, presignTTL time.Duration) *QueryUseCase {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	return &QueryUseCase{
		repo:       repo,
		storage:    storage,
		presignTTL: presignTTL,
	}
}

func (uc *QueryUseCase) Get(ctx context.Context, orgID, userID, id string) (*domain.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.WrapError(domain.ErrValidation, "get job", errors.New("job id is required"))
	}
	return uc.repo.GetByID(ctx, orgID, userID, id)
}

func (uc *QueryUseCase) List(ctx context.Context, orgID, userID string, q ports.ListQuery) (*domain.JobPage, error) {
	q, err := normalizeListQuery(q)
	if err != nil {
		return nil, err
	}

	jobs, total, err := uc.repo.List(ctx, orgID, userID, q.Filter, q.Sort, q.Page, q.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + q.PageSize - 1) / q.PageSize
	}
	return &domain.JobPage{
		Data: jobs,
		Pagination: domain.Pagination{
			Page:       q.Page,
			Limit:      q.PageSize,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

// Download renders the job result as markdown or JSON.
func (uc *QueryUseCase) Download(ctx context.Context, orgID, userID, id, format string) (*ports.DownloadContent, error) {
	job, err := uc.Get(ctx, orgID, userID, id)
	if err != nil {
		return nil, err
	}

	base := downloadBaseName(job)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatMarkdown:
		if job.MarkdownResult == "" {
			return nil, domain.WrapError(domain.ErrValidation, "download job", errors.New("result not available"))
		}
		return &ports.DownloadContent{
			Content:     []byte(job.MarkdownResult),
			ContentType: "text/markdown; charset=utf-8",
			FileName:    base + ".md",
		}, nil
	case FormatJSON:
		if job.Type != domain.JobTypeExtract {
			return nil, domain.WrapError(domain.ErrValidation, "download job", errors.New("json format is only available for extract jobs"))
		}
		if job.Status != domain.StatusCompleted || len(job.JSONResult) == 0 {
			return nil, domain.WrapError(domain.ErrValidation, "download job", errors.New("result not available"))
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, job.JSONResult, "", "  "); err != nil {
			return nil, fmt.Errorf("render json result: %w", err)
		}
		return &ports.DownloadContent{
			Content:     buf.Bytes(),
			ContentType: "application/json",
			FileName:    base + ".json",
		}, nil
	default:
		return nil, domain.WrapError(domain.ErrValidation, "download job", fmt.Errorf("unsupported format %q", format))
	}
}

// FileURL presigns the stored input of a job. Jobs created from a URL have none.
func (uc *QueryUseCase) FileURL(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil || !job.HasStoredFile() {
		return "", nil
	}
	u, err := uc.storage.Presign(ctx, job.FileKey, uc.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign file: %w", err)
	}
	return u, nil
}

func normalizeListQuery(q ports.ListQuery) (ports.ListQuery, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("page must be >= 1, got %d", q.Page))
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("limit must be between 1 and %d, got %d", MaxPageSize, q.PageSize))
	}

	switch q.Sort.Field {
	case "":
		q.Sort.Field = domain.SortByCreatedAt
	case domain.SortByCreatedAt, domain.SortByUpdatedAt:
	default:
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("unsupported sort field %q", q.Sort.Field))
	}
	switch q.Sort.Direction {
	case "":
		q.Sort.Direction = domain.SortDesc
	case domain.SortAsc, domain.SortDesc:
	default:
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("unsupported sort order %q", q.Sort.Direction))
	}

	if q.Filter.Status != "" && !q.Filter.Status.Valid() {
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("unsupported status %q", q.Filter.Status))
	}
	if q.Filter.Type != "" && !q.Filter.Type.Valid() {
		return q, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("unsupported type %q", q.Filter.Type))
	}
	return q, nil
}

func downloadBaseName(job *domain.Job) string {
	name := strings.TrimSpace(job.FileName)
	if name == "" {
		return job.ID
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = sanitizeFilename(base)
	if base == "" || base == "document.bin" {
		return job.ID
	}
	return base
}
