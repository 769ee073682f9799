// Package nats carries job status events between worker and API processes.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const DefaultSubjectPrefix = "docflow.jobs.status"

func subjectFor(prefix, jobID string) string {
	return prefix + "." + jobID
}

// Publisher sends status events on <prefix>.<jobId>. Delivery is best effort.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

func (p *Publisher) Publish(_ context.Context, event domain.StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("status_event_encode_failed", "job_id", event.JobID, "error", err)
		return
	}
	if err := p.conn.Publish(subjectFor(p.prefix, event.JobID), payload); err != nil {
		p.logger.Warn("status_event_publish_failed", "job_id", event.JobID, "status", string(event.Status), "error", err)
	}
}

// Relay republishes status events received from NATS into a local notifier.
type Relay struct {
	conn   *nats.Conn
	prefix string
	target ports.StatusNotifier
	logger *slog.Logger
}

func NewRelay(conn *nats.Conn, prefix string, target ports.StatusNotifier, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{conn: conn, prefix: strings.TrimSuffix(prefix, "."), target: target, logger: logger}
}

// Run subscribes until ctx ends, then drains the subscription.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.conn.Subscribe(r.prefix+".*", func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			r.logger.Warn("status_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		r.target.Publish(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	return nil
}

func decodeEvent(data []byte) (domain.StatusEvent, error) {
	var event domain.StatusEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.StatusEvent{}, err
	}
	if event.JobID == "" {
		return domain.StatusEvent{}, fmt.Errorf("status event without job id")
	}
	if event.Type == "" {
		event.Type = domain.EventStatus
	}
	return event, nil
}
