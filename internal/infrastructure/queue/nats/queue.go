package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type ConnectOptions struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	Logger               *slog.Logger
}

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url string, options ConnectOptions) (*nats.Conn, error) {
	name := options.Name
	if name == "" {
		name = "docflow"
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

type Options struct {
	Stream            string
	Subject           string
	Consumer          string
	MaxAttempts       int
	AckWait           time.Duration
	FetchWait         time.Duration
	DuplicateWindow   time.Duration
	CompletedSubject  string
	CompletedMaxAge   time.Duration
	CompletedMaxItems int64
	FailedSubject     string
	FailedMaxAge      time.Duration

	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "DOCFLOW_JOBS"
	}
	if o.Subject == "" {
		o.Subject = "docflow.jobs.work"
	}
	if o.Consumer == "" {
		o.Consumer = "docflow-workers"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.AckWait <= 0 {
		o.AckWait = 2 * time.Minute
	}
	if o.FetchWait <= 0 {
		o.FetchWait = 2 * time.Second
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = 2 * time.Minute
	}
	if o.CompletedSubject == "" {
		o.CompletedSubject = "docflow.jobs.completed"
	}
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = 24 * time.Hour
	}
	if o.CompletedMaxItems <= 0 {
		o.CompletedMaxItems = 1000
	}
	if o.FailedSubject == "" {
		o.FailedSubject = "docflow.jobs.failed"
	}
	if o.FailedMaxAge <= 0 {
		o.FailedMaxAge = 7 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Queue is a JetStream work-queue stream with a durable pull consumer.
// Terminal items are copied to two retention streams bounded by age and count.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	opts     Options
	executor *resilience.Executor
	logger   *slog.Logger
}

func New(ctx context.Context, conn *nats.Conn, options Options) (*Queue, error) {
	opts := options.withDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: opts.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure work stream %s: %w", opts.Stream, err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream + "_COMPLETED",
		Subjects:  []string{opts.CompletedSubject},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxAge:    opts.CompletedMaxAge,
		MaxMsgs:   opts.CompletedMaxItems,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("ensure completed retention stream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream + "_FAILED",
		Subjects:  []string{opts.FailedSubject},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxAge:    opts.FailedMaxAge,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("ensure failed retention stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxAttempts,
		FilterSubject: opts.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", opts.Consumer, err)
	}

	return &Queue{
		conn:     conn,
		js:       js,
		consumer: consumer,
		opts:     opts,
		executor: opts.ResilienceExecutor,
		logger:   opts.Logger,
	}, nil
}

// Enqueue publishes item with the job id as message id, so duplicate enqueues collapse.
func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	call := func(callCtx context.Context) error {
		if _, err := q.js.Publish(callCtx, q.opts.Subject, payload, jetstream.WithMsgID(item.JobID)); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.enqueue", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded("nats.enqueue", err)
}

// Next blocks until a delivery is available or ctx ends.
func (q *Queue) Next(ctx context.Context) (ports.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.conn.IsClosed() {
			return nil, domain.ErrQueueClosed
		}

		msg, err := q.consumer.Next(jetstream.FetchMaxWait(q.opts.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, wrapTemporaryIfNeeded("nats.fetch", err)
		}

		d, err := q.decode(msg)
		if err != nil {
			q.logger.Error("work_item_malformed", "subject", msg.Subject(), "error", err)
			if termErr := msg.Term(); termErr != nil {
				q.logger.Warn("work_item_term_failed", "error", termErr)
			}
			continue
		}
		return d, nil
	}
}

func (q *Queue) Ping(context.Context) error {
	if !q.conn.IsConnected() {
		return domain.WrapError(domain.ErrTemporary, "nats ping", fmt.Errorf("connection status %s", q.conn.Status()))
	}
	return nil
}

func (q *Queue) decode(msg jetstream.Msg) (*delivery, error) {
	var item domain.WorkItem
	if err := json.Unmarshal(msg.Data(), &item); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	if item.JobID == "" {
		return nil, errors.New("work item without job id")
	}
	meta, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("read message metadata: %w", err)
	}
	return &delivery{
		queue:   q,
		msg:     msg,
		item:    item,
		attempt: int(meta.NumDelivered),
	}, nil
}

func (q *Queue) retain(ctx context.Context, record domain.TerminalRecord) {
	subject := q.opts.CompletedSubject
	if record.Status == domain.StatusFailed {
		subject = q.opts.FailedSubject
	}
	payload, err := json.Marshal(record)
	if err != nil {
		q.logger.Warn("terminal_record_encode_failed", "job_id", record.JobID, "error", err)
		return
	}
	if _, err := q.js.Publish(ctx, subject, payload); err != nil {
		q.logger.Warn("terminal_record_publish_failed", "job_id", record.JobID, "status", string(record.Status), "error", err)
	}
}

type delivery struct {
	queue   *Queue
	msg     jetstream.Msg
	item    domain.WorkItem
	attempt int
}

func (d *delivery) Info() domain.Delivery {
	return domain.Delivery{
		Item:        d.item,
		Attempt:     d.attempt,
		MaxAttempts: d.queue.opts.MaxAttempts,
	}
}

func (d *delivery) Extend(context.Context) error {
	return d.msg.InProgress()
}

func (d *delivery) Settle(ctx context.Context, outcome domain.Outcome) error {
	switch outcome.Action {
	case domain.OutcomeRetry:
		if d.attempt < d.queue.opts.MaxAttempts {
			return d.msg.NakWithDelay(outcome.Delay)
		}
		// The server would never redeliver past MaxDeliver.
		d.queue.retain(ctx, d.record(domain.StatusFailed, outcome.Err))
		return d.msg.Term()
	case domain.OutcomeDrop:
		d.queue.retain(ctx, d.record(domain.StatusFailed, outcome.Err))
		return d.msg.Term()
	case domain.OutcomeRelease:
		// The lease holder settles the job; a nak here would spend one of its deliveries.
		return d.msg.Ack()
	default:
		if outcome.Terminal != "" {
			d.queue.retain(ctx, d.record(outcome.Terminal, outcome.Err))
		}
		return d.msg.Ack()
	}
}

func (d *delivery) record(status domain.JobStatus, err error) domain.TerminalRecord {
	record := domain.TerminalRecord{
		JobID:      d.item.JobID,
		Status:     status,
		Attempts:   d.attempt,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
	}
	return record
}
