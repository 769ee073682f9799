package config

import (
	"testing"
	"time"
)

func TestLoadQueueAndWorkerDefaults(t *testing.T) {
	for _, key := range []string{
		"QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF_BASE", "QUEUE_COMPLETED_RETENTION",
		"QUEUE_COMPLETED_MAX_ITEMS", "QUEUE_FAILED_RETENTION", "WORKER_CONCURRENCY", "PRESIGN_TTL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.QueueMaxAttempts != 3 {
		t.Fatalf("expected default attempts 3, got %d", cfg.QueueMaxAttempts)
	}
	if cfg.QueueBackoffBase != time.Second {
		t.Fatalf("expected default backoff 1s, got %s", cfg.QueueBackoffBase)
	}
	if cfg.CompletedRetention != 24*time.Hour || cfg.CompletedMaxItems != 1000 {
		t.Fatalf("unexpected completed retention %s/%d", cfg.CompletedRetention, cfg.CompletedMaxItems)
	}
	if cfg.FailedRetention != 7*24*time.Hour {
		t.Fatalf("expected failed retention 7d, got %s", cfg.FailedRetention)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Fatalf("expected default concurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.PresignTTL != time.Hour {
		t.Fatalf("expected presign ttl 1h, got %s", cfg.PresignTTL)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "memory")
	t.Setenv("QUEUE_BACKOFF_BASE", "1500")
	t.Setenv("QUEUE_FAILED_RETENTION", "48h")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("S3_USE_PATH_STYLE", "false")
	t.Setenv("WORKER_CONCURRENCY", "12")

	cfg := Load()
	if cfg.QueueDriver != "memory" {
		t.Fatalf("expected queue driver override, got %q", cfg.QueueDriver)
	}
	if cfg.QueueBackoffBase != 1500*time.Millisecond {
		t.Fatalf("expected millisecond backoff, got %s", cfg.QueueBackoffBase)
	}
	if cfg.FailedRetention != 48*time.Hour {
		t.Fatalf("expected 48h retention, got %s", cfg.FailedRetention)
	}
	if cfg.APIRateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.APIRateLimitRPS)
	}
	if cfg.S3UsePathStyle {
		t.Fatalf("expected path style disabled")
	}
	if cfg.WorkerConcurrency != 12 {
		t.Fatalf("expected concurrency 12, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "three")
	t.Setenv("WORKER_JOB_TIMEOUT", "soon")
	t.Setenv("API_EMBEDDED_WORKER", "maybe")

	cfg := Load()
	if cfg.QueueMaxAttempts != 3 || cfg.WorkerJobTimeout != 10*time.Minute || cfg.APIEmbeddedWorker {
		t.Fatalf("expected fallbacks, got attempts=%d timeout=%s embedded=%v",
			cfg.QueueMaxAttempts, cfg.WorkerJobTimeout, cfg.APIEmbeddedWorker)
	}
}
