// Package memory keeps job records in process memory for single-binary runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type Repository struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func New() *Repository {
	return &Repository{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	r.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (r *Repository) GetByID(_ context.Context, orgID, userID, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok || job.OrganizationID != orgID || job.UserID != userID {
		return nil, notFound("get job", id)
	}
	out := cloneJob(job)
	return &out, nil
}

func (r *Repository) GetForProcessing(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, notFound("get job", id)
	}
	out := cloneJob(job)
	return &out, nil
}

func (r *Repository) Update(_ context.Context, id string, patch domain.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return notFound("update job", id)
	}
	patch.Apply(&job, r.now())
	r.jobs[id] = job
	return nil
}

func (r *Repository) Delete(_ context.Context, orgID, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.OrganizationID != orgID || job.UserID != userID {
		return notFound("delete job", id)
	}
	delete(r.jobs, id)
	return nil
}

func (r *Repository) List(
	_ context.Context,
	orgID, userID string,
	filter domain.ListFilter,
	order domain.ListSort,
	page, pageSize int,
) ([]domain.Job, int, error) {
	r.mu.RLock()
	matched := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.OrganizationID != orgID || job.UserID != userID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	r.mu.RUnlock()

	key := func(j domain.Job) time.Time {
		if order.Field == domain.SortByUpdatedAt {
			return j.UpdatedAt
		}
		return j.CreatedAt
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := key(matched[i]), key(matched[j])
		if a.Equal(b) {
			if order.Direction == domain.SortAsc {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].ID > matched[j].ID
		}
		if order.Direction == domain.SortAsc {
			return a.Before(b)
		}
		return a.After(b)
	})

	total := len(matched)
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if pageSize <= 0 || start >= total {
		return []domain.Job{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *Repository) Ping(context.Context) error { return nil }

func notFound(op, id string) error {
	return domain.WrapError(domain.ErrJobNotFound, op, fmt.Errorf("id=%s", id))
}

func cloneJob(job domain.Job) domain.Job {
	if job.JSONResult != nil {
		job.JSONResult = append(json.RawMessage(nil), job.JSONResult...)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}
