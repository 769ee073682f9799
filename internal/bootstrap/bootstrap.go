package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/core/usecase"
	"github.com/kirillkom/docflow/internal/infrastructure/broadcast"
	eventsnats "github.com/kirillkom/docflow/internal/infrastructure/events/nats"
	"github.com/kirillkom/docflow/internal/infrastructure/fetch"
	"github.com/kirillkom/docflow/internal/infrastructure/llm"
	"github.com/kirillkom/docflow/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/docflow/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/docflow/internal/infrastructure/llm/openai"
	lockredis "github.com/kirillkom/docflow/internal/infrastructure/lock/redis"
	"github.com/kirillkom/docflow/internal/infrastructure/ocr"
	ocrlocal "github.com/kirillkom/docflow/internal/infrastructure/ocr/local"
	ocrremote "github.com/kirillkom/docflow/internal/infrastructure/ocr/remote"
	queuememory "github.com/kirillkom/docflow/internal/infrastructure/queue/memory"
	queuenats "github.com/kirillkom/docflow/internal/infrastructure/queue/nats"
	repomemory "github.com/kirillkom/docflow/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
	"github.com/kirillkom/docflow/internal/infrastructure/schema"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/s3"
	"github.com/kirillkom/docflow/internal/infrastructure/tokenizer"
	"github.com/kirillkom/docflow/internal/worker"
)

const userAgent = "docflow/1.0"

// Check is a named dependency health check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Repo        ports.JobRepository
	Storage     ports.ObjectStorage
	Queue       ports.WorkQueue
	Source      ports.WorkSource
	Broadcaster *broadcast.Broadcaster
	// Relay feeds status events published by other processes into Broadcaster.
	// Nil when events never leave the process.
	Relay *eventsnats.Relay

	IntakeUC  *usecase.IntakeUseCase
	QueryUC   *usecase.QueryUseCase
	ProcessUC *usecase.ProcessJobUseCase

	Checks []Check

	closers []func()
}

// New wires the drivers selected by cfg. role names the process in broker connections.
func New(ctx context.Context, cfg config.Config, role string, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:      cfg,
		Logger:      logger,
		Broadcaster: broadcast.New(logger),
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts: cfg.ResilienceRetryAttempts,
		BreakerEnabled:   cfg.ResilienceBreakerEnabled,
	}, resilience.WithLogger(logger))

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initStorage(ctx, executor); err != nil {
		return nil, err
	}
	conn, err := app.initQueue(ctx, role, executor)
	if err != nil {
		return nil, err
	}

	// With a broker, every process publishes status to NATS and the API relays it
	// into its broadcaster, so an embedded pool does not notify twice.
	var notifier ports.StatusNotifier = app.Broadcaster
	if conn != nil {
		notifier = eventsnats.NewPublisher(conn, cfg.StatusSubjectPrefix, logger)
		app.Relay = eventsnats.NewRelay(conn, cfg.StatusSubjectPrefix, app.Broadcaster, logger)
	}

	engine, err := newOCREngine(cfg, executor)
	if err != nil {
		return nil, err
	}
	extractor, err := newExtractor(ctx, cfg, executor, logger)
	if err != nil {
		return nil, err
	}

	catalog := schema.Empty()
	if path := strings.TrimSpace(cfg.SchemaCatalogPath); path != "" {
		catalog, err = schema.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load schema catalog: %w", err)
		}
		logger.Info("schema_catalog_loaded", "path", path, "schemas", len(catalog.IDs()))
	}

	var locker ports.JobLocker
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		cli, err := lockredis.Connect(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.closers = append(app.closers, func() { _ = cli.Close() })
		redisLocker := lockredis.New(cli)
		locker = redisLocker
		app.Checks = append(app.Checks, Check{Name: "lease_lock", Ping: redisLocker.Ping})
	}

	app.IntakeUC = usecase.NewIntakeUseCase(app.Repo, app.Storage, app.Queue, catalog, app.Broadcaster)
	app.QueryUC = usecase.NewQueryUseCase(app.Repo, app.Storage, cfg.PresignTTL)
	app.ProcessUC = usecase.NewProcessJobUseCase(usecase.ProcessDeps{
		Repo:      app.Repo,
		Storage:   app.Storage,
		Fetcher:   fetch.New(fetch.Config{Timeout: cfg.FetchTimeout, MaxBytes: cfg.FetchMaxBytes, UserAgent: userAgent}, executor),
		OCR:       engine,
		Extractor: extractor,
		Schemas:   catalog,
		Validator: schema.NewValidator(),
		Tokens:    tokenizer.New(cfg.TokenizerEncoding, logger),
		Notifier:  notifier,
		Locker:    locker,
	}, usecase.RetryPolicy{
		BaseDelay: cfg.QueueBackoffBase,
		MaxDelay:  cfg.QueueBackoffMax,
	}, cfg.WorkerLeaseTTL)

	return app, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch strings.ToLower(a.Config.StoreDriver) {
	case "memory":
		a.Repo = repomemory.New()
		a.Logger.Warn("job_store_in_memory", "detail", "job records are lost on restart")
	case "", "postgres":
		db, err := postgres.OpenDB(ctx, a.Config.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    a.Config.PostgresMaxConns,
			MaxIdleConns:    max(a.Config.PostgresMaxConns/2, 1),
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		repo := postgres.NewJobRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Repo = repo
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", a.Config.StoreDriver)
	}
	a.Checks = append(a.Checks, Check{Name: "job_store", Ping: a.Repo.Ping})
	return nil
}

func (a *App) initStorage(ctx context.Context, executor *resilience.Executor) error {
	switch strings.ToLower(a.Config.StorageDriver) {
	case "s3":
		storage, err := s3.New(ctx, s3.Config{
			Endpoint:     a.Config.S3Endpoint,
			Region:       a.Config.S3Region,
			Bucket:       a.Config.S3Bucket,
			AccessKey:    a.Config.S3AccessKey,
			SecretKey:    a.Config.S3SecretKey,
			UsePathStyle: a.Config.S3UsePathStyle,
		}, s3.WithResilience(executor))
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		a.Storage = storage
	case "", "localfs":
		storage, err := localfs.New(a.Config.StoragePath)
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		a.Storage = storage
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", a.Config.StorageDriver)
	}
	a.Checks = append(a.Checks, Check{Name: "object_storage", Ping: a.Storage.Ping})
	return nil
}

// initQueue returns the broker connection, or nil for the in-process queue.
func (a *App) initQueue(ctx context.Context, role string, executor *resilience.Executor) (*natsgo.Conn, error) {
	switch strings.ToLower(a.Config.QueueDriver) {
	case "memory":
		q := queuememory.New(
			queuememory.WithMaxAttempts(a.Config.QueueMaxAttempts),
			queuememory.WithRetention(queuememory.Retention{
				CompletedAge:      a.Config.CompletedRetention,
				CompletedMaxItems: a.Config.CompletedMaxItems,
				FailedAge:         a.Config.FailedRetention,
			}),
		)
		a.closers = append(a.closers, q.Close)
		a.Queue, a.Source = q, q
		a.Checks = append(a.Checks, Check{Name: "work_queue", Ping: q.Ping})
		return nil, nil
	case "", "nats":
		conn, err := queuenats.Connect(a.Config.NATSURL, queuenats.ConnectOptions{
			Name:   "docflow-" + role,
			Logger: a.Logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Drain() })
		q, err := queuenats.New(ctx, conn, queuenats.Options{
			Stream:             a.Config.NATSStream,
			Subject:            a.Config.NATSSubject,
			Consumer:           a.Config.NATSConsumer,
			MaxAttempts:        a.Config.QueueMaxAttempts,
			AckWait:            a.Config.QueueAckWait,
			CompletedMaxAge:    a.Config.CompletedRetention,
			CompletedMaxItems:  int64(a.Config.CompletedMaxItems),
			FailedMaxAge:       a.Config.FailedRetention,
			ResilienceExecutor: executor,
			Logger:             a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init work queue: %w", err)
		}
		a.Queue, a.Source = q, q
		a.Checks = append(a.Checks, Check{Name: "work_queue", Ping: q.Ping})
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported QUEUE_DRIVER %q", a.Config.QueueDriver)
	}
}

// newOCREngine puts the configured engine first and the other one behind it,
// so scanned documents without a text layer still reach the remote service.
func newOCREngine(cfg config.Config, executor *resilience.Executor) (ports.OCREngine, error) {
	local := ocrlocal.New()
	var remote ports.OCREngine
	if url := strings.TrimSpace(cfg.OCRURL); url != "" {
		client, err := ocrremote.New(ocrremote.Config{URL: url, APIKey: cfg.OCRAPIKey, Timeout: cfg.OCRTimeout}, executor)
		if err != nil {
			return nil, fmt.Errorf("init ocr client: %w", err)
		}
		remote = client
	}

	switch strings.ToLower(cfg.OCRDriver) {
	case "", "local":
		if remote == nil {
			return local, nil
		}
		return &ocr.Fallback{Primary: local, Secondary: remote}, nil
	case "http":
		if remote == nil {
			return nil, fmt.Errorf("OCR_DRIVER=http requires OCR_URL")
		}
		return &ocr.Fallback{Primary: remote, Secondary: local}, nil
	default:
		return nil, fmt.Errorf("unsupported OCR_DRIVER %q", cfg.OCRDriver)
	}
}

func newExtractor(ctx context.Context, cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (*llm.Router, error) {
	providers := map[string]ports.StructuredExtractor{}
	if strings.TrimSpace(cfg.OllamaURL) != "" {
		providers[llm.ProviderOllama] = ollama.New(cfg.OllamaURL, cfg.OllamaModel, cfg.OllamaTimeout, executor)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		client, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init openai client: %w", err)
		}
		providers[llm.ProviderOpenAI] = client
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		providers[llm.ProviderGemini] = client
	}

	router := llm.NewRouter(cfg.LLMDefaultProvider, providers)
	logger.Info("llm_providers_configured", "providers", router.Providers(), "default", cfg.LLMDefaultProvider)
	return router, nil
}

func (a *App) NewPool(recorder worker.Recorder) *worker.Pool {
	return worker.NewPool(a.Source, a.ProcessUC, worker.Config{
		Size:              a.Config.WorkerConcurrency,
		JobTimeout:        a.Config.WorkerJobTimeout,
		HeartbeatInterval: a.Config.WorkerHeartbeat,
	}, a.Logger, recorder)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
