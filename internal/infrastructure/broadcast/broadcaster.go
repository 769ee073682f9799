// Package broadcast fans job status events out to live observers within one process.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type Observer interface {
	Notify(ctx context.Context, event domain.StatusEvent) error
}

type ObserverFunc func(ctx context.Context, event domain.StatusEvent) error

func (f ObserverFunc) Notify(ctx context.Context, event domain.StatusEvent) error {
	return f(ctx, event)
}

type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	observer Observer
	active   atomic.Bool
}

// topic holds the observers of one job id. pubMu orders publishes, mu guards subs.
type topic struct {
	pubMu  sync.Mutex
	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

type Broadcaster struct {
	topics sync.Map // job id -> *topic
	logger *slog.Logger
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger}
}

// Subscribe registers obs for events of jobID. Observers are notified in registration order.
func (b *Broadcaster) Subscribe(jobID string, obs Observer) SubscriptionID {
	sub := &subscription{id: SubscriptionID(ulid.Make().String()), observer: obs}
	sub.active.Store(true)

	for {
		value, _ := b.topics.LoadOrStore(jobID, &topic{})
		t := value.(*topic)

		t.mu.Lock()
		if t.closed {
			// Removed concurrently; the map no longer holds it.
			t.mu.Unlock()
			continue
		}
		t.subs = append(t.subs, sub)
		t.mu.Unlock()
		return sub.id
	}
}

// Unsubscribe removes a subscription and reports whether it was registered.
// The job's entry is released with its last subscription.
func (b *Broadcaster) Unsubscribe(jobID string, id SubscriptionID) bool {
	value, ok := b.topics.Load(jobID)
	if !ok {
		return false
	}
	t := value.(*topic)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, sub := range t.subs {
		if sub.id != id {
			continue
		}
		sub.active.Store(false)
		t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
		if len(t.subs) == 0 {
			t.closed = true
			b.topics.CompareAndDelete(jobID, t)
		}
		return true
	}
	return false
}

// Publish delivers event synchronously to every observer of event.JobID.
// Observer failures are logged and never propagated.
func (b *Broadcaster) Publish(ctx context.Context, event domain.StatusEvent) {
	value, ok := b.topics.Load(event.JobID)
	if !ok {
		return
	}
	t := value.(*topic)

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	b.deliverAll(ctx, t, event)
}

// Drop sends a final deleted event to the observers of jobID and removes them all.
func (b *Broadcaster) Drop(ctx context.Context, jobID string) {
	value, ok := b.topics.Load(jobID)
	if !ok {
		return
	}
	t := value.(*topic)

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	b.deliverAll(ctx, t, domain.StatusEvent{Type: domain.EventDeleted, JobID: jobID})

	t.mu.Lock()
	for _, sub := range t.subs {
		sub.active.Store(false)
	}
	t.subs = nil
	t.closed = true
	b.topics.CompareAndDelete(jobID, t)
	t.mu.Unlock()
}

// Topics returns the number of job ids with at least one observer.
func (b *Broadcaster) Topics() int {
	n := 0
	b.topics.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (b *Broadcaster) deliverAll(ctx context.Context, t *topic, event domain.StatusEvent) {
	t.mu.Lock()
	subs := make([]*subscription, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.deliver(ctx, sub, event)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, sub *subscription, event domain.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status_observer_panic",
				"job_id", event.JobID,
				"subscription_id", string(sub.id),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := sub.observer.Notify(ctx, event); err != nil {
		b.logger.Warn("status_observer_failed",
			"job_id", event.JobID,
			"subscription_id", string(sub.id),
			"event_type", string(event.Type),
			"error", err,
		)
	}
}
