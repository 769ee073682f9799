package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

type deliveryFake struct {
	info    domain.Delivery
	mu      sync.Mutex
	settled []domain.Outcome
	extends atomic.Int32
}

func (d *deliveryFake) Info() domain.Delivery { return d.info }

func (d *deliveryFake) Settle(_ context.Context, outcome domain.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = append(d.settled, outcome)
	return nil
}

func (d *deliveryFake) Extend(context.Context) error {
	d.extends.Add(1)
	return nil
}

func (d *deliveryFake) outcomes() []domain.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Outcome(nil), d.settled...)
}

type sourceFake struct {
	ch chan ports.Delivery
}

func newSourceFake(deliveries ...*deliveryFake) *sourceFake {
	s := &sourceFake{ch: make(chan ports.Delivery, len(deliveries))}
	for _, d := range deliveries {
		s.ch <- d
	}
	return s
}

func (s *sourceFake) Next(ctx context.Context) (ports.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-s.ch:
		if !ok {
			return nil, domain.ErrQueueClosed
		}
		return d, nil
	}
}

type processorFunc func(ctx context.Context, d domain.Delivery) domain.Outcome

func (f processorFunc) Handle(ctx context.Context, d domain.Delivery) domain.Outcome { return f(ctx, d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDelivery(id string) *deliveryFake {
	return &deliveryFake{info: domain.Delivery{Item: domain.WorkItem{JobID: id}, Attempt: 1, MaxAttempts: 3}}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var deliveries []*deliveryFake
	for i := 0; i < 12; i++ {
		deliveries = append(deliveries, newDelivery(string(rune('a'+i))))
	}
	source := newSourceFake(deliveries...)
	close(source.ch)

	var current, peak atomic.Int32
	processor := processorFunc(func(context.Context, domain.Delivery) domain.Outcome {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return domain.Outcome{Action: domain.OutcomeAck, Terminal: domain.StatusCompleted}
	})

	pool := NewPool(source, processor, Config{Size: 3}, discardLogger(), nil)
	pool.Run(context.Background())

	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent handlers, got %d", peak.Load())
	}
	for _, d := range deliveries {
		if got := d.outcomes(); len(got) != 1 || got[0].Action != domain.OutcomeAck {
			t.Fatalf("delivery %s: unexpected settlements %+v", d.info.Item.JobID, got)
		}
	}
}

func TestPoolSettlesPanicAsRetry(t *testing.T) {
	d := newDelivery("job-1")
	source := newSourceFake(d)
	close(source.ch)

	processor := processorFunc(func(context.Context, domain.Delivery) domain.Outcome {
		panic("boom")
	})
	NewPool(source, processor, Config{Size: 1, ErrorBackoff: time.Millisecond}, discardLogger(), nil).Run(context.Background())

	got := d.outcomes()
	if len(got) != 1 || got[0].Action != domain.OutcomeRetry || got[0].Err == nil {
		t.Fatalf("expected retry settlement, got %+v", got)
	}
}

func TestPoolFinishesInFlightOnShutdown(t *testing.T) {
	d := newDelivery("job-1")
	source := newSourceFake(d)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	processor := processorFunc(func(jobCtx context.Context, _ domain.Delivery) domain.Outcome {
		close(started)
		time.Sleep(30 * time.Millisecond)
		if jobCtx.Err() != nil {
			return domain.Outcome{Action: domain.OutcomeRetry, Err: jobCtx.Err()}
		}
		return domain.Outcome{Action: domain.OutcomeAck, Terminal: domain.StatusCompleted}
	})

	done := make(chan struct{})
	go func() {
		NewPool(source, processor, Config{Size: 2}, discardLogger(), nil).Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}

	got := d.outcomes()
	if len(got) != 1 || got[0].Action != domain.OutcomeAck {
		t.Fatalf("expected in-flight job to complete, got %+v", got)
	}
}

func TestPoolExtendsLeaseWhileHandling(t *testing.T) {
	d := newDelivery("job-1")
	source := newSourceFake(d)
	close(source.ch)

	processor := processorFunc(func(context.Context, domain.Delivery) domain.Outcome {
		time.Sleep(60 * time.Millisecond)
		return domain.Outcome{Action: domain.OutcomeAck}
	})
	NewPool(source, processor, Config{Size: 1, HeartbeatInterval: 10 * time.Millisecond}, discardLogger(), nil).Run(context.Background())

	if d.extends.Load() == 0 {
		t.Fatalf("expected lease extensions")
	}
}

type recorderFake struct {
	mu       sync.Mutex
	started  int
	finished []domain.Outcome
}

func (r *recorderFake) StartJob() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorderFake) FinishJob(outcome domain.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, outcome)
}

func (r *recorderFake) ObserveQueueLag(time.Duration) {}

func TestPoolRecordsMetrics(t *testing.T) {
	source := newSourceFake(newDelivery("job-1"), newDelivery("job-2"))
	close(source.ch)
	rec := &recorderFake{}

	processor := processorFunc(func(_ context.Context, d domain.Delivery) domain.Outcome {
		if d.Item.JobID == "job-1" {
			return domain.Outcome{Action: domain.OutcomeRetry, Delay: time.Second}
		}
		return domain.Outcome{Action: domain.OutcomeAck, Terminal: domain.StatusCompleted}
	})
	NewPool(source, processor, Config{Size: 1}, discardLogger(), rec).Run(context.Background())

	if rec.started != 2 || len(rec.finished) != 2 {
		t.Fatalf("expected 2 recorded jobs, got %d/%d", rec.started, len(rec.finished))
	}
}
