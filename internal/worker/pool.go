// Package worker runs the fixed-size executor pool that drains the job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/observability/logging"
)

const settleTimeout = 10 * time.Second

type Recorder interface {
	StartJob()
	FinishJob(outcome domain.Outcome, duration time.Duration)
	ObserveQueueLag(lag time.Duration)
}

type Config struct {
	Size              int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ErrorBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	return c
}

type Pool struct {
	source    ports.WorkSource
	processor ports.JobProcessor
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
}

func NewPool(source ports.WorkSource, processor ports.JobProcessor, cfg Config, logger *slog.Logger, recorder Recorder) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Pool{
		source:    source,
		processor: processor,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		recorder:  recorder,
	}
}

// Run blocks until ctx is cancelled and every in-flight delivery has been settled.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker_pool_started", "size", p.cfg.Size)

	var wg sync.WaitGroup
	for i := 1; i <= p.cfg.Size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.executor(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker_pool_stopped")
}

func (p *Pool) executor(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			p.logger.Warn("work_source_failed", "executor", id, "error", err)
			if !sleepCtx(ctx, p.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		p.process(ctx, id, delivery)
	}
}

func (p *Pool) process(ctx context.Context, id int, delivery ports.Delivery) {
	info := delivery.Info()
	logger := logging.WithJob(p.logger, info.Item.JobID, info.Attempt).With(
		"executor", id,
		"max_attempts", info.MaxAttempts,
	)

	// Shutdown lets an in-flight attempt finish; the job timeout still bounds it.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	stopHeartbeat := p.heartbeat(jobCtx, logger, delivery)

	if info.Attempt <= 1 && !info.Item.EnqueuedAt.IsZero() {
		p.recorder.ObserveQueueLag(time.Since(info.Item.EnqueuedAt))
	}
	p.recorder.StartJob()
	logger.Info("job_started")

	start := time.Now()
	outcome := p.handle(jobCtx, info)
	elapsed := time.Since(start)

	stopHeartbeat()
	p.recorder.FinishJob(outcome, elapsed)
	logOutcome(logger, outcome, elapsed)

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()
	if err := delivery.Settle(settleCtx, outcome); err != nil {
		logger.Error("delivery_settle_failed", "action", outcome.Action.String(), "error", err)
	}
}

func (p *Pool) handle(ctx context.Context, info domain.Delivery) (outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Outcome{
				Action: domain.OutcomeRetry,
				Delay:  p.cfg.ErrorBackoff,
				Err:    fmt.Errorf("job handler panic: %v", r),
			}
		}
	}()
	return p.processor.Handle(ctx, info)
}

// heartbeat keeps the delivery leased while the handler runs.
func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, delivery ports.Delivery) func() {
	extender, ok := delivery.(ports.LeaseExtender)
	if !ok || p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := extender.Extend(hbCtx); err != nil && hbCtx.Err() == nil {
					logger.Warn("delivery_lease_extend_failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func logOutcome(logger *slog.Logger, outcome domain.Outcome, elapsed time.Duration) {
	durationMs := elapsed.Milliseconds()
	switch outcome.Action {
	case domain.OutcomeRetry:
		logger.Warn("job_retry_scheduled", "delay_ms", outcome.Delay.Milliseconds(), "duration_ms", durationMs, "error", errString(outcome.Err))
	case domain.OutcomeDrop:
		logger.Error("job_dropped", "duration_ms", durationMs, "error", errString(outcome.Err))
	case domain.OutcomeRelease:
		logger.Info("job_lease_held", "error", errString(outcome.Err))
	default:
		switch {
		case outcome.Terminal == domain.StatusCompleted:
			logger.Info("job_completed", "duration_ms", durationMs)
		case outcome.Terminal == domain.StatusFailed:
			logger.Error("job_failed", "duration_ms", durationMs, "error", errString(outcome.Err))
		case domain.IsKind(outcome.Err, domain.ErrJobNotFound):
			logger.Debug("job_deleted_in_flight", "error", errString(outcome.Err))
		case domain.IsKind(outcome.Err, domain.ErrInvalidTransition):
			logger.Error("job_invalid_transition", "error", errString(outcome.Err))
		case outcome.Err != nil:
			logger.Error("job_aborted", "error", errString(outcome.Err))
		default:
			logger.Debug("job_duplicate_delivery")
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type noopRecorder struct{}

func (noopRecorder) StartJob()                                {}
func (noopRecorder) FinishJob(domain.Outcome, time.Duration) {}
func (noopRecorder) ObserveQueueLag(time.Duration)           {}
