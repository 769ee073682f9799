package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func OpenDB(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 10
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaLockID = int64(2026101601)

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	file_key TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size BIGINT NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	llm_provider TEXT NOT NULL DEFAULT '',
	llm_model TEXT NOT NULL DEFAULT '',
	schema_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	markdown_result TEXT NOT NULL DEFAULT '',
	json_result JSONB,
	page_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(organization_id, user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(organization_id, user_id, status);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const jobColumns = `id, organization_id, user_id, type, file_key, file_name, file_size, mime_type, source_url,
	llm_provider, llm_model, schema_id, status, markdown_result, json_result, page_count, token_count,
	processing_time_ms, error_code, error_message, retry_count, created_at, updated_at, started_at, completed_at`

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
`,
		job.ID, job.OrganizationID, job.UserID, string(job.Type), job.FileKey, job.FileName, job.FileSize,
		job.MimeType, job.SourceURL, job.LLMProvider, job.LLMModel, job.SchemaID, string(job.Status),
		job.MarkdownResult, nullableJSON(job.JSONResult), job.PageCount, job.TokenCount, job.ProcessingTimeMs,
		job.ErrorCode, job.ErrorMessage, job.RetryCount, job.CreatedAt, job.UpdatedAt,
		nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE id = $1 AND organization_id = $2 AND user_id = $3
`, id, orgID, userID)
	return scanJobRow(row, id)
}

func (r *JobRepository) GetForProcessing(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE id = $1
`, id)
	return scanJobRow(row, id)
}

func (r *JobRepository) Update(ctx context.Context, id string, patch domain.JobPatch) error {
	set, args := patchAssignments(patch)
	args = append(args, time.Now().UTC())
	set = append(set, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrJobNotFound, "update job", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, orgID, userID, id string) error {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE id = $1 AND organization_id = $2 AND user_id = $3
`, id, orgID, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrJobNotFound, "delete job", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (r *JobRepository) List(
	ctx context.Context,
	orgID, userID string,
	filter domain.ListFilter,
	sort domain.ListSort,
	page, pageSize int,
) ([]domain.Job, int, error) {
	where := "WHERE organization_id = $1 AND user_id = $2"
	args := []any{orgID, userID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	if total == 0 {
		return []domain.Job{}, 0, nil
	}

	if page < 1 {
		page = 1
	}
	listArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		"SELECT %s FROM jobs %s ORDER BY %s LIMIT $%d OFFSET $%d",
		jobColumns, where, orderClause(sort), len(args)+1, len(args)+2,
	)
	rows, err := r.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0, pageSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, total, nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func orderClause(sort domain.ListSort) string {
	column := "created_at"
	if sort.Field == domain.SortByUpdatedAt {
		column = "updated_at"
	}
	direction := "DESC"
	if sort.Direction == domain.SortAsc {
		direction = "ASC"
	}
	return column + " " + direction + ", id " + direction
}

// patchAssignments renders the set fields of patch as numbered SET clauses.
func patchAssignments(patch domain.JobPatch) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.MimeType != nil {
		add("mime_type", *patch.MimeType)
	}
	if patch.FileName != nil {
		add("file_name", *patch.FileName)
	}
	if patch.FileSize != nil {
		add("file_size", *patch.FileSize)
	}
	if patch.MarkdownResult != nil {
		add("markdown_result", *patch.MarkdownResult)
	}
	if patch.JSONResult != nil {
		add("json_result", []byte(patch.JSONResult))
	}
	if patch.PageCount != nil {
		add("page_count", *patch.PageCount)
	}
	if patch.TokenCount != nil {
		add("token_count", *patch.TokenCount)
	}
	if patch.ProcessingTimeMs != nil {
		add("processing_time_ms", *patch.ProcessingTimeMs)
	}
	if patch.ErrorCode != nil {
		add("error_code", *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	return set, args
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row jobScanner, id string) (*domain.Job, error) {
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &job, nil
}

func scanJob(row jobScanner) (domain.Job, error) {
	var (
		job         domain.Job
		jobType     string
		status      string
		jsonResult  []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.OrganizationID, &job.UserID, &jobType, &job.FileKey, &job.FileName, &job.FileSize,
		&job.MimeType, &job.SourceURL, &job.LLMProvider, &job.LLMModel, &job.SchemaID, &status,
		&job.MarkdownResult, &jsonResult, &job.PageCount, &job.TokenCount, &job.ProcessingTimeMs,
		&job.ErrorCode, &job.ErrorMessage, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if len(jsonResult) > 0 {
		job.JSONResult = jsonResult
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
