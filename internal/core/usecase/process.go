package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/jobstate"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const failurePersistTimeout = 10 * time.Second

type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ProcessDeps are the collaborators of the processing pipeline.
// Fetcher, Schemas, Validator, Tokens and Locker are optional.
type ProcessDeps struct {
	Repo      ports.JobRepository
	Storage   ports.ObjectStorage
	Fetcher   ports.SourceFetcher
	OCR       ports.OCREngine
	Extractor ports.StructuredExtractor
	Schemas   ports.SchemaStore
	Validator ports.ResultValidator
	Tokens    ports.TokenCounter
	Notifier  ports.StatusNotifier
	Locker    ports.JobLocker
	Clock     ports.Clock
}

type ProcessJobUseCase struct {
	deps     ProcessDeps
	retry    RetryPolicy
	leaseTTL time.Duration
}

func NewProcessJobUseCase(deps ProcessDeps, retry RetryPolicy, leaseTTL time.Duration) *ProcessJobUseCase {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &ProcessJobUseCase{
		deps:     deps,
		retry:    retry,
		leaseTTL: leaseTTL,
	}
}

// run is the state of one delivery attempt.
type run struct {
	job     *domain.Job
	attempt jobstate.Attempt
	started bool
}

// Handle drives one delivery of a work item and reports how to settle it.
func (uc *ProcessJobUseCase) Handle(ctx context.Context, delivery domain.Delivery) domain.Outcome {
	attempt := jobstate.Attempt{Number: max(delivery.Attempt, 1), Max: max(delivery.MaxAttempts, 1)}

	job, err := uc.deps.Repo.GetForProcessing(ctx, delivery.Item.JobID)
	if err != nil {
		if domain.IsKind(err, domain.ErrJobNotFound) {
			return domain.Outcome{Action: domain.OutcomeDrop, Err: fmt.Errorf("load job %s: %w", delivery.Item.JobID, err)}
		}
		return uc.redeliver(attempt, fmt.Errorf("load job %s: %w", delivery.Item.JobID, err))
	}
	if delivery.Item.OrganizationID != "" && delivery.Item.OrganizationID != job.OrganizationID {
		return domain.Outcome{
			Action: domain.OutcomeDrop,
			Err:    domain.WrapError(domain.ErrValidation, "load job", fmt.Errorf("work item organization mismatch for job %s", job.ID)),
		}
	}
	if jobstate.IsTerminal(job.Status, job.RetryCount, attempt.Max) {
		// Duplicate delivery of an item whose job already finished.
		return domain.Outcome{Action: domain.OutcomeAck}
	}

	if uc.deps.Locker != nil {
		key := "docflow:job-lease:" + job.ID
		token, ok, err := uc.deps.Locker.TryLock(ctx, key, uc.leaseTTL)
		if err == nil && !ok {
			return domain.Outcome{
				Action: domain.OutcomeRelease,
				Err:    domain.WrapError(domain.ErrTemporary, "lease job", fmt.Errorf("job %s is held by another worker", job.ID)),
			}
		}
		if err == nil {
			defer func() {
				_ = uc.deps.Locker.Unlock(context.WithoutCancel(ctx), key, token)
			}()
		}
	}

	r := &run{job: job, attempt: attempt}
	if _, err := uc.advance(ctx, r, jobstate.Pickup, domain.JobPatch{}); err != nil {
		return uc.abort(ctx, r, err)
	}
	r.started = true
	return uc.execute(ctx, r)
}

func (uc *ProcessJobUseCase) execute(ctx context.Context, r *run) domain.Outcome {
	data, mimeType, err := uc.loadInput(ctx, r)
	if err != nil {
		return uc.abort(ctx, r, err)
	}

	result, err := uc.parse(ctx, data, mimeType)
	if err != nil {
		return uc.abort(ctx, r, err)
	}
	ocrPatch := domain.JobPatch{
		MarkdownResult: &result.Markdown,
		PageCount:      &result.PageCount,
	}
	if uc.deps.Tokens != nil {
		tokens := uc.deps.Tokens.Count(result.Markdown)
		ocrPatch.TokenCount = &tokens
	}
	if _, err := uc.advance(ctx, r, jobstate.OCRCompleted, ocrPatch); err != nil {
		return uc.abort(ctx, r, err)
	}

	completion := domain.JobPatch{PageCount: &result.PageCount}
	if r.job.Type == domain.JobTypeExtract {
		if _, err := uc.advance(ctx, r, jobstate.ExtractionStarted, domain.JobPatch{}); err != nil {
			return uc.abort(ctx, r, err)
		}
		jsonResult, err := uc.extract(ctx, r.job)
		if err != nil {
			return uc.abort(ctx, r, err)
		}
		completion.JSONResult = jsonResult
	}

	if _, err := uc.advance(ctx, r, jobstate.Completed, completion); err != nil {
		return uc.abort(ctx, r, err)
	}
	return domain.Outcome{Action: domain.OutcomeAck, Terminal: domain.StatusCompleted}
}

func (uc *ProcessJobUseCase) loadInput(ctx context.Context, r *run) ([]byte, string, error) {
	job := r.job
	if job.HasStoredFile() {
		data, err := uc.deps.Storage.Get(ctx, job.FileKey)
		if err != nil {
			return nil, "", domain.NewStageError(domain.StageLoad, domain.CodeStorage, err)
		}
		return data, job.MimeType, nil
	}
	if job.SourceURL == "" {
		return nil, "", domain.NewStageError(domain.StageLoad, domain.CodeProcessing, errors.New("job has neither a stored file nor a source url"))
	}
	if uc.deps.Fetcher == nil {
		return nil, "", domain.NewStageError(domain.StageFetch, domain.CodeFetch, errors.New("source url fetching is not configured"))
	}

	doc, err := uc.deps.Fetcher.Fetch(ctx, job.SourceURL)
	if err != nil {
		return nil, "", domain.NewStageError(domain.StageFetch, domain.CodeFetch, err)
	}

	var patch domain.JobPatch
	if job.MimeType == "" && doc.MimeType != "" {
		patch.MimeType = &doc.MimeType
	}
	if job.FileName == "" && doc.FileName != "" {
		patch.FileName = &doc.FileName
	}
	if job.FileSize == 0 && len(doc.Data) > 0 {
		size := int64(len(doc.Data))
		patch.FileSize = &size
	}
	if !patch.IsEmpty() {
		if err := uc.deps.Repo.Update(ctx, job.ID, patch); err != nil {
			return nil, "", err
		}
		patch.Apply(job, uc.deps.Clock.Now())
	}

	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = job.MimeType
	}
	return doc.Data, mimeType, nil
}

func (uc *ProcessJobUseCase) parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error) {
	result, err := uc.deps.OCR.Parse(ctx, data, mimeType)
	if err != nil {
		code := domain.CodeOCR
		if domain.IsKind(err, domain.ErrUnsupportedMedia) {
			code = domain.CodeUnsupportedMedia
		}
		return domain.OCRResult{}, domain.NewStageError(domain.StageOCR, code, err)
	}
	if len(bytes.TrimSpace([]byte(result.Markdown))) == 0 {
		return domain.OCRResult{}, domain.NewStageError(domain.StageOCR, domain.CodeOCR, errors.New("no text extracted from document"))
	}
	return result, nil
}

func (uc *ProcessJobUseCase) extract(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var schema map[string]any
	if job.SchemaID != "" {
		if uc.deps.Schemas == nil {
			return nil, domain.NewStageError(domain.StageExtract, domain.CodeProcessing, errors.New("schema catalog is not configured"))
		}
		s, err := uc.deps.Schemas.GetSchema(ctx, job.OrganizationID, job.SchemaID)
		if err != nil {
			return nil, domain.NewStageError(domain.StageExtract, domain.CodeProcessing, err)
		}
		schema = s.JSONSchema
	}

	result, err := uc.deps.Extractor.Extract(ctx, domain.ExtractionRequest{
		Markdown: job.MarkdownResult,
		Schema:   schema,
		Model:    job.LLMModel,
		Provider: job.LLMProvider,
	})
	if err != nil {
		return nil, domain.NewStageError(domain.StageExtract, domain.CodeLLM, err)
	}
	result = bytes.TrimSpace(result)
	if len(result) == 0 || !json.Valid(result) {
		return nil, domain.NewStageError(domain.StageExtract, domain.CodeLLM, errors.New("model returned invalid json"))
	}
	if schema != nil && uc.deps.Validator != nil {
		if err := uc.deps.Validator.Validate(schema, result); err != nil {
			return nil, domain.NewStageError(domain.StageExtract, domain.CodeSchemaMismatch, err)
		}
	}
	return result, nil
}

// advance applies a state-machine event, persists the patch and broadcasts the new state.
func (uc *ProcessJobUseCase) advance(ctx context.Context, r *run, kind jobstate.EventKind, patch domain.JobPatch) (jobstate.Decision, error) {
	job := r.job
	decision, err := jobstate.Transition(job.Status, jobstate.Event{
		Kind:       kind,
		JobType:    job.Type,
		Attempt:    r.attempt,
		RetryCount: job.RetryCount,
	})
	if err != nil {
		return jobstate.Decision{}, err
	}

	now := uc.deps.Clock.Now()
	applyEffects(job, decision, &patch, now)
	if err := uc.deps.Repo.Update(ctx, job.ID, patch); err != nil {
		return jobstate.Decision{}, err
	}
	patch.Apply(job, now)

	if uc.deps.Notifier != nil {
		uc.deps.Notifier.Publish(ctx, domain.NewStatusEvent(job, now))
	}
	return decision, nil
}

func applyEffects(job *domain.Job, decision jobstate.Decision, patch *domain.JobPatch, now time.Time) {
	next := decision.Next
	patch.Status = &next

	if !decision.Has(jobstate.SetOCRResult) {
		patch.MarkdownResult = nil
		patch.TokenCount = nil
	}
	if !decision.Has(jobstate.SetJSONResult) {
		patch.JSONResult = nil
	}
	if !decision.Has(jobstate.SetError) {
		patch.ErrorCode = nil
		patch.ErrorMessage = nil
	}
	if decision.Has(jobstate.SetStartedAt) && job.StartedAt == nil {
		patch.StartedAt = &now
	}
	if decision.Has(jobstate.SetCompletedAt) {
		patch.CompletedAt = &now
	}
	if decision.Has(jobstate.SetProcessingTime) {
		started := now
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		elapsed := now.Sub(started).Milliseconds()
		patch.ProcessingTimeMs = &elapsed
	}
	if decision.Has(jobstate.ClearError) {
		empty := ""
		patch.ErrorCode = &empty
		patch.ErrorMessage = &empty
	}
	if decision.Has(jobstate.IncrementRetry) {
		retries := decision.RetryCount
		patch.RetryCount = &retries
	}
}

// abort ends the attempt after err. Stage failures are recorded on the job.
func (uc *ProcessJobUseCase) abort(ctx context.Context, r *run, err error) domain.Outcome {
	switch {
	case domain.IsKind(err, domain.ErrJobNotFound):
		// Deleted while in flight; nothing left to update.
		return domain.Outcome{Action: domain.OutcomeAck, Err: err}
	case domain.IsKind(err, domain.ErrInvalidTransition):
		return domain.Outcome{Action: domain.OutcomeAck, Err: err}
	}
	if !r.started {
		return uc.redeliver(r.attempt, fmt.Errorf("start job %s: %w", r.job.ID, err))
	}

	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) {
		stageErr = domain.AsStageError(domain.StagePersist, err)
	}
	return uc.fail(ctx, r, stageErr)
}

func (uc *ProcessJobUseCase) fail(ctx context.Context, r *run, stageErr *domain.StageError) domain.Outcome {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failurePersistTimeout)
	defer cancel()

	code := string(stageErr.Code)
	message := stageErr.Message()
	decision, err := uc.advance(pctx, r, jobstate.Failed, domain.JobPatch{
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrJobNotFound) || domain.IsKind(err, domain.ErrInvalidTransition) {
			return domain.Outcome{Action: domain.OutcomeAck, Err: errors.Join(stageErr, err)}
		}
		return uc.redeliver(r.attempt, fmt.Errorf("record failure: %w (after %v)", err, stageErr))
	}

	if decision.Retry {
		return domain.Outcome{
			Action: domain.OutcomeRetry,
			Delay:  jobstate.Backoff(uc.retry.BaseDelay, uc.retry.MaxDelay, r.attempt.Number),
			Err:    stageErr,
		}
	}
	return domain.Outcome{
		Action:   domain.OutcomeAck,
		Terminal: domain.StatusFailed,
		Err:      domain.WrapError(domain.ErrExhaustedRetries, "process job", stageErr),
	}
}

// redeliver hands the item back to the transport without touching the job record.
func (uc *ProcessJobUseCase) redeliver(attempt jobstate.Attempt, err error) domain.Outcome {
	if jobstate.ShouldRetry(attempt) {
		return domain.Outcome{
			Action: domain.OutcomeRetry,
			Delay:  jobstate.Backoff(uc.retry.BaseDelay, uc.retry.MaxDelay, attempt.Number),
			Err:    err,
		}
	}
	return domain.Outcome{Action: domain.OutcomeDrop, Err: err}
}
