package usecase

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

type queueFake struct {
	items []domain.WorkItem
	err   error
}

func (f *queueFake) Enqueue(_ context.Context, item domain.WorkItem) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *queueFake) Ping(context.Context) error { return nil }

type observerRegistryFake struct {
	dropped []string
}

func (f *observerRegistryFake) Drop(_ context.Context, jobID string) {
	f.dropped = append(f.dropped, jobID)
}

func newIntakeFixture() (*IntakeUseCase, *jobRepoFake, *storageFake, *queueFake, *observerRegistryFake) {
	repo := newJobRepoFake()
	storage := newStorageFake()
	queue := &queueFake{}
	observers := &observerRegistryFake{}
	schemas := &schemaStoreFake{schemas: map[string]*domain.ExtractionSchema{"invoice": {ID: "invoice"}}}
	uc := NewIntakeUseCase(repo, storage, queue, schemas, observers)
	uc.newID = func() string { return "job-1" }
	return uc, repo, storage, queue, observers
}

func parseInput() ports.CreateJobInput {
	return ports.CreateJobInput{OrganizationID: "org-1", UserID: "user-1", Type: domain.JobTypeParse}
}

func TestCreateFromFileSuccess(t *testing.T) {
	uc, repo, storage, queue, _ := newIntakeFixture()

	job, err := uc.CreateFromFile(context.Background(), parseInput(), ports.FileInput{
		Name:     "report 1.pdf",
		MimeType: "application/pdf",
		Body:     bytes.NewBufferString("hello"),
	})
	if err != nil {
		t.Fatalf("CreateFromFile() error = %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.FileKey != "org-1/job-1/report_1.pdf" {
		t.Fatalf("unexpected storage key %s", job.FileKey)
	}
	if job.FileSize != 5 || job.FileName != "report 1.pdf" {
		t.Fatalf("unexpected file descriptor: %+v", job)
	}
	if string(storage.objects[job.FileKey]) != "hello" {
		t.Fatalf("expected stored body")
	}
	if _, ok := repo.get("job-1"); !ok {
		t.Fatalf("expected job record")
	}
	if len(queue.items) != 1 || queue.items[0].JobID != "job-1" || queue.items[0].OrganizationID != "org-1" {
		t.Fatalf("unexpected queue items: %+v", queue.items)
	}
}

func TestCreateFromFileQueueErrorCleansUp(t *testing.T) {
	uc, repo, storage, queue, _ := newIntakeFixture()
	queue.err = errors.New("queue down")

	_, err := uc.CreateFromFile(context.Background(), parseInput(), ports.FileInput{
		Name: "report.pdf",
		Body: bytes.NewBufferString("hello"),
	})
	if err == nil || !strings.Contains(err.Error(), "enqueue job") {
		t.Fatalf("expected enqueue error, got %v", err)
	}
	if _, ok := repo.get("job-1"); ok {
		t.Fatalf("expected record removed after enqueue failure")
	}
	if len(storage.objects) != 0 {
		t.Fatalf("expected stored file removed, got %v", storage.objects)
	}
}

func TestCreateValidation(t *testing.T) {
	uc, _, _, _, _ := newIntakeFixture()
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		kind error
	}{
		{"missing file and url", func() error {
			_, err := uc.CreateFromFile(ctx, parseInput(), ports.FileInput{})
			return err
		}, domain.ErrValidation},
		{"empty url", func() error {
			_, err := uc.CreateFromURL(ctx, parseInput(), "  ")
			return err
		}, domain.ErrValidation},
		{"bad scheme", func() error {
			_, err := uc.CreateFromURL(ctx, parseInput(), "ftp://example.com/a.pdf")
			return err
		}, domain.ErrValidation},
		{"bad type", func() error {
			in := parseInput()
			in.Type = "ocr"
			_, err := uc.CreateFromURL(ctx, in, "https://example.com/a.pdf")
			return err
		}, domain.ErrValidation},
		{"schema on parse job", func() error {
			in := parseInput()
			in.SchemaID = "invoice"
			_, err := uc.CreateFromURL(ctx, in, "https://example.com/a.pdf")
			return err
		}, domain.ErrValidation},
		{"unknown schema", func() error {
			in := parseInput()
			in.Type = domain.JobTypeExtract
			in.SchemaID = "receipt"
			_, err := uc.CreateFromURL(ctx, in, "https://example.com/a.pdf")
			return err
		}, domain.ErrValidation},
		{"anonymous caller", func() error {
			_, err := uc.CreateFromURL(ctx, ports.CreateJobInput{Type: domain.JobTypeParse}, "https://example.com/a.pdf")
			return err
		}, domain.ErrUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !domain.IsKind(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestCreateFromURL(t *testing.T) {
	uc, repo, _, queue, _ := newIntakeFixture()
	in := parseInput()
	in.Type = domain.JobTypeExtract
	in.SchemaID = "invoice"
	in.LLMModel = " gpt-4o "

	job, err := uc.CreateFromURL(context.Background(), in, "https://example.com/a.pdf")
	if err != nil {
		t.Fatalf("CreateFromURL() error = %v", err)
	}
	if job.SourceURL != "https://example.com/a.pdf" || job.FileKey != "" {
		t.Fatalf("expected url-only input, got %+v", job)
	}
	if job.LLMModel != "gpt-4o" {
		t.Fatalf("expected trimmed model, got %q", job.LLMModel)
	}
	if _, ok := repo.get(job.ID); !ok || len(queue.items) != 1 {
		t.Fatalf("expected persisted and enqueued job")
	}
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	uc, repo, storage, _, observers := newIntakeFixture()
	job, err := uc.CreateFromFile(context.Background(), parseInput(), ports.FileInput{Name: "a.pdf", Body: bytes.NewBufferString("x")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := uc.Delete(context.Background(), "org-2", "user-1", job.ID); !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("cross-tenant delete must look like not found, got %v", err)
	}

	if err := uc.Delete(context.Background(), "org-1", "user-1", job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := repo.get(job.ID); ok {
		t.Fatalf("expected record deleted")
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != job.FileKey {
		t.Fatalf("expected stored file deleted, got %v", storage.deleted)
	}
	if len(observers.dropped) != 1 || observers.dropped[0] != job.ID {
		t.Fatalf("expected observers dropped, got %v", observers.dropped)
	}
}

func TestDeleteSurvivesStorageFailure(t *testing.T) {
	uc, repo, storage, _, observers := newIntakeFixture()
	job, err := uc.CreateFromFile(context.Background(), parseInput(), ports.FileInput{Name: "a.pdf", Body: bytes.NewBufferString("x")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	storage.delErr = errors.New("bucket unavailable")

	if err := uc.Delete(context.Background(), "org-1", "user-1", job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := repo.get(job.ID); ok {
		t.Fatalf("expected record deleted even though the file could not be")
	}
	if len(storage.deleted) != 1 {
		t.Fatalf("expected one file delete attempt, got %v", storage.deleted)
	}
	if len(observers.dropped) != 1 {
		t.Fatalf("expected observers dropped, got %v", observers.dropped)
	}
}

func TestDeleteKeepsFileWhenRecordDeleteFails(t *testing.T) {
	uc, repo, storage, _, observers := newIntakeFixture()
	job, err := uc.CreateFromFile(context.Background(), parseInput(), ports.FileInput{Name: "a.pdf", Body: bytes.NewBufferString("x")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.deleteErr = errors.New("connection reset")

	if err := uc.Delete(context.Background(), "org-1", "user-1", job.ID); err == nil {
		t.Fatalf("expected record delete failure")
	}
	if len(storage.deleted) != 0 {
		t.Fatalf("file must stay while its record exists, deleted %v", storage.deleted)
	}
	if len(observers.dropped) != 0 {
		t.Fatalf("observers must stay attached, dropped %v", observers.dropped)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"invoice.pdf":          "invoice.pdf",
		"my report (1).pdf":    "my_report__1_.pdf",
		"../../etc/passwd":     "passwd",
		`C:\docs\scan 2.png`:   "scan_2.png",
		"":                     "document.bin",
		"счёт.pdf":             "____.pdf",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
