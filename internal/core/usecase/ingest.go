package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const defaultMimeType = "application/octet-stream"

type IntakeUseCase struct {
	repo      ports.JobRepository
	storage   ports.ObjectStorage
	queue     ports.WorkQueue
	schemas   ports.SchemaStore
	observers ports.ObserverRegistry
	clock     ports.Clock
	newID     func() string
}

func NewIntakeUseCase(
	repo ports.JobRepository,
	storage ports.ObjectStorage,
	queue ports.WorkQueue,
	schemas ports.SchemaStore,
	observers ports.ObserverRegistry,
) *IntakeUseCase {
	return &IntakeUseCase{
		repo:      repo,
		storage:   storage,
		queue:     queue,
		schemas:   schemas,
		observers: observers,
		clock:     ports.SystemClock{},
		newID:     uuid.NewString,
	}
}

func (uc *IntakeUseCase) CreateFromFile(ctx context.Context, in ports.CreateJobInput, file ports.FileInput) (*domain.Job, error) {
	if err := uc.validate(ctx, in); err != nil {
		return nil, err
	}
	if file.Body == nil || strings.TrimSpace(file.Name) == "" {
		return nil, domain.WrapError(domain.ErrValidation, "create job", errors.New("file or url is required"))
	}

	data, err := io.ReadAll(file.Body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "read upload", err)
	}
	if len(data) == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "create job", errors.New("uploaded file is empty"))
	}

	mimeType := strings.TrimSpace(file.MimeType)
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	id := uc.newID()
	key := StorageKey(in.OrganizationID, id, file.Name)
	if err := uc.storage.Put(ctx, key, data, mimeType); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	job := uc.newJob(id, in)
	job.FileKey = key
	job.FileName = filepath.Base(file.Name)
	job.FileSize = int64(len(data))
	job.MimeType = mimeType

	if err := uc.persistAndEnqueue(ctx, job); err != nil {
		_ = uc.storage.Delete(context.WithoutCancel(ctx), key)
		return nil, err
	}
	return job, nil
}

func (uc *IntakeUseCase) CreateFromURL(ctx context.Context, in ports.CreateJobInput, sourceURL string) (*domain.Job, error) {
	if err := uc.validate(ctx, in); err != nil {
		return nil, err
	}
	normalized, err := normalizeSourceURL(sourceURL)
	if err != nil {
		return nil, err
	}

	job := uc.newJob(uc.newID(), in)
	job.SourceURL = normalized

	if err := uc.persistAndEnqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job record, its stored file and every live observer.
func (uc *IntakeUseCase) Delete(ctx context.Context, orgID, userID, id string) error {
	job, err := uc.repo.GetByID(ctx, orgID, userID, id)
	if err != nil {
		return err
	}
	if err := uc.repo.Delete(ctx, orgID, userID, id); err != nil {
		return fmt.Errorf("delete job record: %w", err)
	}
	// The record is gone, so a leftover object is only an orphan.
	if job.HasStoredFile() {
		if err := uc.storage.Delete(context.WithoutCancel(ctx), job.FileKey); err != nil {
			slog.WarnContext(ctx, "stored_file_delete_failed", "job_id", id, "file_key", job.FileKey, "error", err)
		}
	}
	if uc.observers != nil {
		uc.observers.Drop(ctx, id)
	}
	return nil
}

func (uc *IntakeUseCase) validate(ctx context.Context, in ports.CreateJobInput) error {
	if strings.TrimSpace(in.OrganizationID) == "" || strings.TrimSpace(in.UserID) == "" {
		return domain.WrapError(domain.ErrUnauthorized, "create job", errors.New("missing organization or user"))
	}
	if !in.Type.Valid() {
		return domain.WrapError(domain.ErrValidation, "create job", fmt.Errorf("unsupported job type %q", in.Type))
	}
	if in.SchemaID == "" {
		return nil
	}
	if in.Type != domain.JobTypeExtract {
		return domain.WrapError(domain.ErrValidation, "create job", errors.New("schemaId requires an extract job"))
	}
	if uc.schemas == nil {
		return nil
	}
	if _, err := uc.schemas.GetSchema(ctx, in.OrganizationID, in.SchemaID); err != nil {
		return domain.WrapError(domain.ErrValidation, "create job", fmt.Errorf("unknown schema %q: %w", in.SchemaID, err))
	}
	return nil
}

func (uc *IntakeUseCase) newJob(id string, in ports.CreateJobInput) *domain.Job {
	now := uc.clock.Now()
	return &domain.Job{
		ID:             id,
		OrganizationID: in.OrganizationID,
		UserID:         in.UserID,
		Type:           in.Type,
		LLMProvider:    strings.TrimSpace(in.LLMProvider),
		LLMModel:       strings.TrimSpace(in.LLMModel),
		SchemaID:       in.SchemaID,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (uc *IntakeUseCase) persistAndEnqueue(ctx context.Context, job *domain.Job) error {
	if err := uc.repo.Create(ctx, job); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}

	item := domain.WorkItem{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		EnqueuedAt:     uc.clock.Now(),
	}
	if err := uc.queue.Enqueue(ctx, item); err != nil {
		// A record nobody will ever process must not stay visible as pending.
		_ = uc.repo.Delete(context.WithoutCancel(ctx), job.OrganizationID, job.UserID, job.ID)
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// StorageKey builds the object key of an uploaded document.
func StorageKey(orgID, jobID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", orgID, jobID, sanitizeFilename(fileName))
}

func normalizeSourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.WrapError(domain.ErrValidation, "create job", errors.New("file or url is required"))
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrValidation, "parse source url", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", domain.WrapError(domain.ErrValidation, "parse source url", fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return "", domain.WrapError(domain.ErrValidation, "parse source url", errors.New("missing host"))
	}
	return parsed.String(), nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}
