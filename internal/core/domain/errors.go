package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStageFailure      = errors.New("stage failure")
	ErrExhaustedRetries  = errors.New("retries exhausted")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTemporary         = errors.New("temporary failure")
	ErrUnsupportedMedia  = errors.New("unsupported media type")
	ErrQueueClosed       = errors.New("queue closed")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorCode is the closed set of failure codes persisted on a job.
type ErrorCode string

const (
	CodeStorage          ErrorCode = "STORAGE_ERROR"
	CodeFetch            ErrorCode = "FETCH_ERROR"
	CodeOCR              ErrorCode = "OCR_ERROR"
	CodeUnsupportedMedia ErrorCode = "UNSUPPORTED_MEDIA"
	CodeLLM              ErrorCode = "LLM_ERROR"
	CodeSchemaMismatch   ErrorCode = "SCHEMA_MISMATCH"
	CodeProcessing       ErrorCode = "PROCESSING_ERROR"
)

const defaultStageMessage = "Unknown error occurred"

type Stage string

const (
	StageLoad    Stage = "load"
	StageFetch   Stage = "fetch"
	StageOCR     Stage = "ocr"
	StageExtract Stage = "extract"
	StagePersist Stage = "persist"
)

// StageError is a collaborator failure mapped into the job error taxonomy.
type StageError struct {
	Stage Stage
	Code  ErrorCode
	Err   error
}

func NewStageError(stage Stage, code ErrorCode, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s stage: %s", e.Stage, e.Code)
	}
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageFailure}
	}
	return []error{ErrStageFailure, e.Err}
}

// Message is the user-visible failure text persisted on the job.
func (e *StageError) Message() string {
	if e == nil || e.Err == nil || e.Err.Error() == "" {
		return defaultStageMessage
	}
	return e.Err.Error()
}

// AsStageError maps any error into a StageError, defaulting to PROCESSING_ERROR.
func AsStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	code := CodeProcessing
	if IsKind(err, ErrUnsupportedMedia) {
		code = CodeUnsupportedMedia
	}
	return NewStageError(stage, code, err)
}
