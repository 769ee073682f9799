package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const multipartMemory = 32 << 20

// jobView is the API rendering of a job.
type jobView struct {
	ID               string           `json:"id"`
	OrganizationID   string           `json:"organizationId"`
	UserID           string           `json:"userId"`
	Type             domain.JobType   `json:"type"`
	Status           domain.JobStatus `json:"status"`
	FileKey          *string          `json:"fileKey"`
	FileName         *string          `json:"fileName"`
	FileSize         *int64           `json:"fileSize"`
	MimeType         *string          `json:"mimeType"`
	SourceURL        *string          `json:"sourceUrl"`
	FileURL          *string          `json:"fileUrl"`
	LLMProvider      *string          `json:"llmProvider"`
	LLMModel         *string          `json:"llmModel"`
	SchemaID         *string          `json:"schemaId"`
	MarkdownResult   *string          `json:"markdownResult"`
	JSONResult       json.RawMessage  `json:"jsonResult"`
	PageCount        int              `json:"pageCount"`
	TokenCount       int              `json:"tokenCount"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	ErrorCode        *string          `json:"errorCode"`
	ErrorMessage     *string          `json:"errorMessage"`
	RetryCount       int              `json:"retryCount"`
	CreatedAt        string           `json:"createdAt"`
	UpdatedAt        string           `json:"updatedAt"`
	StartedAt        *string          `json:"startedAt"`
	CompletedAt      *string          `json:"completedAt"`
}

type jobListView struct {
	Data       []jobView         `json:"data"`
	Pagination domain.Pagination `json:"pagination"`
}

func (rt *Router) createJob(w http.ResponseWriter, r *http.Request, id Identity) {
	if rt.cfg.APIMaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.APIMaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, r, formError(err))
		return
	}

	jobType := strings.TrimSpace(r.FormValue("type"))
	if jobType == "" {
		jobType = string(domain.JobTypeParse)
	}
	in := ports.CreateJobInput{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		Type:           domain.JobType(jobType),
		LLMProvider:    strings.TrimSpace(r.FormValue("llmProvider")),
		LLMModel:       strings.TrimSpace(r.FormValue("llmModel")),
		SchemaID:       strings.TrimSpace(r.FormValue("schemaId")),
	}

	var (
		job    *domain.Job
		err    error
		source string
	)
	file, header, fileErr := r.FormFile("file")
	switch {
	case fileErr == nil:
		defer file.Close()
		if strings.TrimSpace(r.FormValue("url")) != "" {
			writeError(w, r, domain.WrapError(domain.ErrValidation, "create job", errors.New("provide either file or url, not both")))
			return
		}
		source = "file"
		job, err = rt.intake.CreateFromFile(r.Context(), in, ports.FileInput{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Size:     header.Size,
			Body:     file,
		})
	case errors.Is(fileErr, http.ErrMissingFile) || errors.Is(fileErr, http.ErrNotMultipart):
		sourceURL := strings.TrimSpace(r.FormValue("url"))
		if sourceURL == "" {
			writeError(w, r, domain.WrapError(domain.ErrValidation, "create job", errors.New("file or url is required")))
			return
		}
		source = "url"
		job, err = rt.intake.CreateFromURL(r.Context(), in, sourceURL)
	default:
		writeError(w, r, formError(fileErr))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordJobCreated(serviceName, string(job.Type), source)
	}
	writeJSON(w, http.StatusAccepted, rt.renderJob(r, job))
}

func (rt *Router) listJobs(w http.ResponseWriter, r *http.Request, id Identity) {
	var (
		page      int
		limit     int
		sortBy    string
		sortOrder string
		status    string
		jobType   string
	)
	params := r.URL.Query()
	for _, p := range []struct {
		name string
		dest any
	}{
		{"page", &page},
		{"limit", &limit},
		{"sortBy", &sortBy},
		{"sortOrder", &sortOrder},
		{"status", &status},
		{"type", &jobType},
	} {
		if err := runtime.BindQueryParameter("form", true, false, p.name, params, p.dest); err != nil {
			writeError(w, r, domain.WrapError(domain.ErrValidation, "list jobs", fmt.Errorf("invalid %s: %w", p.name, err)))
			return
		}
	}

	result, err := rt.query.List(r.Context(), id.OrganizationID, id.UserID, ports.ListQuery{
		Filter: domain.ListFilter{
			Status: domain.JobStatus(status),
			Type:   domain.JobType(jobType),
		},
		Sort: domain.ListSort{
			Field:     domain.SortField(sortBy),
			Direction: domain.SortDirection(strings.ToLower(sortOrder)),
		},
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(result.Data))
	for i := range result.Data {
		views = append(views, rt.renderJob(r, &result.Data[i]))
	}
	writeJSON(w, http.StatusOK, jobListView{Data: views, Pagination: result.Pagination})
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request, id Identity) {
	job, err := rt.query.Get(r.Context(), id.OrganizationID, id.UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.renderJob(r, job))
}

func (rt *Router) deleteJob(w http.ResponseWriter, r *http.Request, id Identity) {
	if err := rt.intake.Delete(r.Context(), id.OrganizationID, id.UserID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (rt *Router) downloadJob(w http.ResponseWriter, r *http.Request, id Identity) {
	content, err := rt.query.Download(r.Context(), id.OrganizationID, id.UserID, r.PathValue("id"), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": content.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content.Content)
}

// renderJob never fails the request: a presign error leaves fileUrl empty.
func (rt *Router) renderJob(r *http.Request, job *domain.Job) jobView {
	view := jobView{
		ID:               job.ID,
		OrganizationID:   job.OrganizationID,
		UserID:           job.UserID,
		Type:             job.Type,
		Status:           job.Status,
		FileKey:          optionalString(job.FileKey),
		FileName:         optionalString(job.FileName),
		MimeType:         optionalString(job.MimeType),
		SourceURL:        optionalString(job.SourceURL),
		LLMProvider:      optionalString(job.LLMProvider),
		LLMModel:         optionalString(job.LLMModel),
		SchemaID:         optionalString(job.SchemaID),
		MarkdownResult:   optionalString(job.MarkdownResult),
		PageCount:        job.PageCount,
		TokenCount:       job.TokenCount,
		ProcessingTimeMs: job.ProcessingTimeMs,
		ErrorCode:        optionalString(job.ErrorCode),
		ErrorMessage:     optionalString(job.ErrorMessage),
		RetryCount:       job.RetryCount,
		CreatedAt:        isoTime(job.CreatedAt),
		UpdatedAt:        isoTime(job.UpdatedAt),
		StartedAt:        optionalTime(job.StartedAt),
		CompletedAt:      optionalTime(job.CompletedAt),
	}
	if job.FileSize > 0 {
		size := job.FileSize
		view.FileSize = &size
	}
	if len(job.JSONResult) > 0 {
		view.JSONResult = job.JSONResult
	} else {
		view.JSONResult = json.RawMessage("null")
	}

	if job.HasStoredFile() {
		fileURL, err := rt.query.FileURL(r.Context(), job)
		if err != nil {
			slog.Warn("job_file_url_failed",
				"request_id", requestIDFromContext(r.Context()),
				"job_id", job.ID,
				"error", err,
			)
		} else {
			view.FileURL = optionalString(fileURL)
		}
	}
	return view
}

func formError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return err
	}
	return domain.WrapError(domain.ErrValidation, "parse form", err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func optionalTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := isoTime(*t)
	return &s
}
