// Package memory is an in-process work queue for single-process deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

type Retention struct {
	CompletedAge      time.Duration
	CompletedMaxItems int
	FailedAge         time.Duration
}

func DefaultRetention() Retention {
	return Retention{
		CompletedAge:      24 * time.Hour,
		CompletedMaxItems: 1000,
		FailedAge:         7 * 24 * time.Hour,
	}
}

type Queue struct {
	maxAttempts int
	retention   Retention
	now         func() time.Time

	ready chan *entry
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	pending   map[string]struct{}
	timers    map[string]*time.Timer
	completed []domain.TerminalRecord
	failed    []domain.TerminalRecord
}

type entry struct {
	item     domain.WorkItem
	attempts int
	lastErr  string
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBuffer(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ready = make(chan *entry, n)
		}
	}
}

func WithRetention(r Retention) Option {
	return func(q *Queue) {
		q.retention = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		maxAttempts: 3,
		retention:   DefaultRetention(),
		now:         func() time.Time { return time.Now().UTC() },
		ready:       make(chan *entry, 256),
		done:        make(chan struct{}),
		pending:     map[string]struct{}{},
		timers:      map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds item unless an item with the same job id is already queued or in flight.
func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrQueueClosed
	}
	if _, dup := q.pending[item.JobID]; dup {
		q.mu.Unlock()
		return nil
	}
	q.pending[item.JobID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ready <- &entry{item: item}:
		return nil
	case <-q.done:
		return domain.ErrQueueClosed
	case <-ctx.Done():
		q.forget(item.JobID)
		return ctx.Err()
	}
}

func (q *Queue) Next(ctx context.Context) (ports.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, domain.ErrQueueClosed
	case e := <-q.ready:
		e.attempts++
		return &delivery{queue: q, entry: e}, nil
	}
}

func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	return nil
}

// Close stops delivery. Items still queued or waiting for a retry are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.done)
}

// Retained reports how many terminal records the retention window currently holds.
func (q *Queue) Retained() (completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()
	return len(q.completed), len(q.failed)
}

func (q *Queue) settle(e *entry, outcome domain.Outcome) {
	if outcome.Err != nil {
		e.lastErr = outcome.Err.Error()
	}

	switch outcome.Action {
	case domain.OutcomeRetry:
		if e.attempts < q.maxAttempts {
			q.scheduleRetry(e, outcome.Delay)
			return
		}
		q.finish(e, domain.StatusFailed)
	case domain.OutcomeDrop:
		q.finish(e, domain.StatusFailed)
	case domain.OutcomeRelease:
		q.forget(e.item.JobID)
	default:
		status := outcome.Terminal
		if status == "" {
			status = domain.StatusCompleted
		}
		q.finish(e, status)
	}
}

func (q *Queue) scheduleRetry(e *entry, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	id := e.item.JobID
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ready <- e:
		case <-q.done:
		}
	})
}

func (q *Queue) finish(e *entry, status domain.JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, e.item.JobID)

	record := domain.TerminalRecord{
		JobID:      e.item.JobID,
		Status:     status,
		Attempts:   e.attempts,
		FinishedAt: q.now(),
	}
	if status == domain.StatusFailed {
		record.Error = e.lastErr
		q.failed = append(q.failed, record)
	} else {
		q.completed = append(q.completed, record)
	}
	q.pruneLocked()
}

func (q *Queue) forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, jobID)
}

func (q *Queue) pruneLocked() {
	now := q.now()
	q.completed = pruneByAge(q.completed, now, q.retention.CompletedAge)
	if limit := q.retention.CompletedMaxItems; limit > 0 && len(q.completed) > limit {
		q.completed = append([]domain.TerminalRecord(nil), q.completed[len(q.completed)-limit:]...)
	}
	q.failed = pruneByAge(q.failed, now, q.retention.FailedAge)
}

func pruneByAge(records []domain.TerminalRecord, now time.Time, maxAge time.Duration) []domain.TerminalRecord {
	if maxAge <= 0 {
		return records
	}
	cutoff := now.Add(-maxAge)
	i := 0
	for i < len(records) && records[i].FinishedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return records
	}
	return append([]domain.TerminalRecord(nil), records[i:]...)
}

type delivery struct {
	queue *Queue
	entry *entry
	once  sync.Once
}

func (d *delivery) Info() domain.Delivery {
	return domain.Delivery{
		Item:        d.entry.item,
		Attempt:     d.entry.attempts,
		MaxAttempts: d.queue.maxAttempts,
	}
}

func (d *delivery) Settle(_ context.Context, outcome domain.Outcome) error {
	d.once.Do(func() {
		d.queue.settle(d.entry, outcome)
	})
	return nil
}
