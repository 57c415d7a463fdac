// Package bootstrap turns configuration into wired backends shared by the
// api, worker and migrate binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"

	"fitpipe/internal/adapter/repo"
	"fitpipe/internal/billing"
	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/infra/credentials"
	"fitpipe/internal/providers/gradio"
	"fitpipe/internal/providers/inference"
	"fitpipe/internal/queue"
	"fitpipe/internal/storage"
	"fitpipe/internal/webhook"
	"fitpipe/internal/worker"
)

// Backends holds the stores and the queue selected by configuration.
type Backends struct {
	Jobs     domain.JobRepository
	Ledger   domain.CreditLedger
	Settings domain.SettingsProvider
	Queue    queue.Queue
	// SQL is nil unless a Postgres pool was opened.
	SQL *infra.SQLRunner

	pool    *pgxpool.Pool
	mongo   *mongo.Client
	closers []func()
}

// Open connects every backend cfg names. The caller owns Close.
func Open(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	needPG := cfg.StoreBackend == "postgres" || cfg.QueueBackend == "postgres" ||
		(cfg.StoreBackend == "mongo" && cfg.DatabaseURL != "")
	if needPG {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		b.SQL = infra.NewSQLRunner(pool, logger)
	}

	switch cfg.StoreBackend {
	case "postgres":
		b.Jobs = repo.NewJobRepository(b.SQL)
	case "mongo":
		client, err := repo.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		b.mongo = client
		b.closers = append(b.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})
		b.Jobs = repo.NewJobRepositoryMongo(repo.JobsCollection(client, cfg.MongoDatabase))
	default:
		b.Jobs = repo.NewMemoryJobRepository()
	}

	defaults := domain.PlatformSettings{ImageTokenPrice: cfg.ImageTokenPrice, VideoTokenPrice: cfg.VideoTokenPrice}
	switch {
	case b.SQL != nil:
		b.Ledger = repo.NewCreditLedger(b.SQL)
		b.Settings = repo.NewSettingsRepository(b.SQL, defaults)
	case b.mongo != nil:
		b.Ledger = repo.NewCreditLedgerMongo(b.mongo.Database(cfg.MongoDatabase))
		b.Settings = repo.StaticSettings(defaults)
	default:
		logger.Warn().Msg("bootstrap: memory store, credit ledger lives in this process only")
		b.Ledger = repo.NewMemoryCreditLedger()
		b.Settings = repo.StaticSettings(defaults)
	}

	q, err := b.openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	b.Queue = q
	b.closers = append(b.closers, func() { _ = q.Close() })
	return nil
}

func (b *Backends) openQueue(ctx context.Context, cfg *infra.Config, logger infra.Logger) (queue.Queue, error) {
	opts := queue.Options{VisibilityTimeout: cfg.QueueVisibilityTimeout, PollInterval: cfg.QueuePollInterval}
	switch cfg.QueueBackend {
	case "postgres":
		q := queue.NewPostgresQueue(b.SQL, opts, logger)
		if err := q.Listen(cfg.DatabaseURL); err != nil {
			logger.Warn().Err(err).Msg("bootstrap: queue listener unavailable, falling back to polling")
		}
		return q, nil
	case "nats":
		q, err := queue.NewNATSQueue(queue.NATSOptions{
			URL:     cfg.NATSURL,
			Stream:  cfg.NATSStream,
			Durable: "fitpipe-workers",
			Options: opts,
		}, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Options:  opts,
		}, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(opts), nil
	}
}

// Ping checks the primary store.
func (b *Backends) Ping(ctx context.Context) error {
	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.mongo != nil {
		if err := b.mongo.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenTempStore builds the temporary object store for staged inputs.
func OpenTempStore(ctx context.Context, cfg *infra.Config) (storage.TempStore, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
	}
	return OpenFileStore(cfg)
}

// OpenFileStore resolves STORAGE_PATH to an absolute directory.
func OpenFileStore(cfg *infra.Config) (*storage.FileStore, error) {
	path := cfg.StoragePath
	if path == "" {
		path = "./storage"
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path, cfg.StorageBaseURL)
}

type tokenSource interface {
	GradioTokens(ctx context.Context) (credentials.Tokens, error)
}

// loadGradioTokens merges stored space tokens with GRADIO_TOKEN, which wins
// as the default. stored may be nil.
func loadGradioTokens(ctx context.Context, cfg *infra.Config, stored tokenSource, logger infra.Logger) credentials.Tokens {
	tokens := credentials.Tokens{BySpace: map[string]string{}}
	if stored != nil {
		loaded, err := stored.GradioTokens(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap: failed to load gradio tokens from store")
		} else {
			tokens = loaded
		}
	}
	if env := strings.TrimSpace(cfg.GradioToken); env != "" {
		tokens.Default = env
	}
	for _, space := range []string{cfg.MeasurementSpace, cfg.AvatarSpace, cfg.GarmentSpace} {
		if space != "" && tokens.Default == "" && tokens.BySpace[space] == "" {
			logger.Warn().Str("space", space).Msg("bootstrap: no gradio token for space, only public access")
		}
	}
	return tokens
}

// NewDispatcher assembles the inference adapter, billing guard and webhook
// notifier around the backends.
func NewDispatcher(ctx context.Context, cfg *infra.Config, b *Backends, logger infra.Logger, metrics *infra.Metrics) (*worker.Dispatcher, error) {
	temp, err := OpenTempStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure storage: %w", err)
	}

	var stored tokenSource
	if b.SQL != nil {
		stored = credentials.NewStore(b.SQL)
	}
	tokens := loadGradioTokens(ctx, cfg, stored, logger)
	client := gradio.NewClient(gradio.Options{
		Token:       tokens.Default,
		SpaceTokens: tokens.BySpace,
		HTTPClient: &http.Client{Timeout: cfg.GradioTimeout},
		Logger:     &logger,
	})
	adapter := inference.NewAdapter(client, inference.Options{
		Spaces: inference.Spaces{
			Measurement: cfg.MeasurementSpace,
			Avatar:      cfg.AvatarSpace,
			Garment:     cfg.GarmentSpace,
		},
		MaxImageSide: cfg.InferenceMaxImageSide,
		TempStore:    temp,
		Logger:       &logger,
		Metrics:      metrics,
	})

	d, err := worker.NewDispatcher(
		b.Queue,
		b.Jobs,
		billing.NewGuard(b.Ledger, b.Settings, logger),
		webhook.NewNotifier(cfg.WebhookTimeout, logger, metrics),
		worker.Handlers(adapter),
		worker.Options{
			Concurrency:       cfg.WorkerConcurrency,
			JobTimeout:        cfg.JobTimeout,
			WebhookTimeout:    cfg.WebhookTimeout,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			Logger:            logger,
			Metrics:           metrics,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("configure dispatcher: %w", err)
	}
	return d, nil
}
