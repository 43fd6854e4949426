// Package bootstrap turns a resolved config.Config into the live
// dependencies shared by the API server and the thumbnail worker.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"files-manager/internal/api"
	"files-manager/internal/auth"
	"files-manager/internal/blob"
	"files-manager/internal/config"
	"files-manager/internal/observability/logging"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/redisconn"
	"files-manager/internal/serverutil"
	"files-manager/internal/storage"
	"files-manager/internal/thumbnail"
)

// Resources holds the opened backends. Close releases them in reverse
// order of acquisition.
type Resources struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Repository storage.Repository
	Redis      redis.UniversalClient
	Blobs      blob.Store
	Queue      thumbnail.Queue

	hooks []serverutil.ShutdownHook
}

// Open connects every backend selected by cfg. On failure anything already
// opened is closed before returning.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*Resources, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	res := &Resources{Config: cfg, Logger: logger, Metrics: recorder}

	if err := res.openRepository(ctx); err != nil {
		return nil, res.abort(err)
	}
	if cfg.NeedsRedis() {
		client, err := redisconn.NewClient(cfg.RedisClient())
		if err != nil {
			return nil, res.abort(fmt.Errorf("configure redis: %w", err))
		}
		res.Redis = client
		res.addHook("redis", func(context.Context) error { return client.Close() })
		if err := redisconn.Ping(ctx, client); err != nil {
			return nil, res.abort(fmt.Errorf("connect redis: %w", err))
		}
	}
	if err := res.openBlobs(ctx); err != nil {
		return nil, res.abort(err)
	}
	if err := res.openQueue(ctx); err != nil {
		return nil, res.abort(err)
	}
	return res, nil
}

func (r *Resources) openRepository(ctx context.Context) error {
	driver, err := r.Config.StorageDriver()
	if err != nil {
		return err
	}
	dsn, err := r.Config.DatabaseDSN()
	if err != nil {
		return err
	}
	db := r.Config.Database
	opts := []storage.Option{
		storage.WithLogger(logging.WithComponent(r.Logger, "storage")),
		storage.WithPostgresMigrations(r.Config.Database.Migrate),
		storage.WithPostgresApplicationName("files-manager"),
		storage.WithPostgresPoolLimits(int32(db.MaxConns), int32(db.MinConns)),
		storage.WithPostgresPoolDurations(db.ConnMaxLifetime, db.ConnMaxIdle, db.HealthCheckPeriod),
		storage.WithPostgresAcquireTimeout(db.ConnectTimeout),
		storage.WithMongoTimeouts(db.ConnectTimeout, db.OperationTimeout),
	}
	if r.Config.Database.Name != "" {
		opts = append(opts, storage.WithMongoDatabase(r.Config.Database.Name))
	}
	repo, err := storage.Open(ctx, driver, dsn, opts...)
	if err != nil {
		return fmt.Errorf("open %s datastore: %w", driver, err)
	}
	r.Repository = repo
	r.addHook("datastore", repo.Close)
	r.Logger.Info("datastore ready", "driver", driver)
	return nil
}

func (r *Resources) openBlobs(ctx context.Context) error {
	switch r.Config.Blob.Driver {
	case config.DriverS3:
		store, err := blob.NewS3Store(ctx, r.Config.Blob.S3)
		if err != nil {
			return fmt.Errorf("configure s3 blob store: %w", err)
		}
		r.Blobs = store
	default:
		store, err := blob.NewLocalStore(r.Config.Blob.Path)
		if err != nil {
			return fmt.Errorf("configure local blob store: %w", err)
		}
		r.Blobs = store
	}
	r.Logger.Info("blob store ready", "driver", r.Config.Blob.Driver)
	return nil
}

func (r *Resources) openQueue(ctx context.Context) error {
	if r.Config.Queue.Driver != config.DriverRedis {
		r.Queue = thumbnail.NewMemoryQueue(256)
		r.Logger.Info("thumbnail queue ready", "driver", config.DriverMemory)
		return nil
	}
	queue, err := thumbnail.NewRedisQueue(ctx, thumbnail.RedisQueueConfig{
		Client:       r.Redis,
		Stream:       r.Config.Queue.Stream,
		Group:        r.Config.Queue.Group,
		Consumer:     r.Config.Queue.Consumer,
		ClaimMinIdle: r.Config.Queue.ClaimIdle,
		Logger:       logging.WithComponent(r.Logger, "thumbnail-queue"),
	})
	if err != nil {
		return fmt.Errorf("configure thumbnail queue: %w", err)
	}
	r.Queue = queue
	r.Logger.Info("thumbnail queue ready", "driver", config.DriverRedis, "stream", queue.Stream())
	return nil
}

// TokenManager builds the session token store on the configured backend.
func (r *Resources) TokenManager() (*auth.TokenManager, error) {
	var backend auth.TokenBackend
	switch r.Config.Tokens.Store {
	case config.DriverRedis:
		store, err := auth.NewRedisTokenStore(r.Redis)
		if err != nil {
			return nil, fmt.Errorf("configure token store: %w", err)
		}
		backend = store
	default:
		backend = auth.NewMemoryTokenStore()
	}
	return auth.NewTokenManager(r.Config.Tokens.TTL, auth.WithBackend(backend)), nil
}

// Processor builds a thumbnail processor over the shared queue and stores.
func (r *Resources) Processor() (*thumbnail.Processor, error) {
	return thumbnail.NewProcessor(thumbnail.ProcessorConfig{
		Queue:   r.Queue,
		Files:   storage.NewFiles(r.Repository),
		Blobs:   r.Blobs,
		Resizer: thumbnail.NewImagingResizer(),
		Workers: r.Config.Worker.Workers,
		Timeout: r.Config.Worker.Timeout,
		Logger:  logging.WithComponent(r.Logger, "thumbnail"),
		Metrics: r.Metrics,
	})
}

// HealthChecks lists dependencies not already covered by the API handler.
func (r *Resources) HealthChecks() map[string]api.Pinger {
	checks := make(map[string]api.Pinger)
	if r.Redis != nil {
		checks["redis"] = redisPinger{client: r.Redis}
	}
	return checks
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return redisconn.Ping(ctx, p.client)
}

// Hooks returns the release hooks, most recently acquired first.
func (r *Resources) Hooks() []serverutil.ShutdownHook {
	hooks := make([]serverutil.ShutdownHook, 0, len(r.hooks))
	for i := len(r.hooks) - 1; i >= 0; i-- {
		hooks = append(hooks, r.hooks[i])
	}
	return hooks
}

// Close runs every release hook.
func (r *Resources) Close(ctx context.Context) error {
	var errs []error
	for _, hook := range r.Hooks() {
		if err := hook.Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}
	r.hooks = nil
	return errors.Join(errs...)
}

func (r *Resources) addHook(name string, fn func(context.Context) error) {
	r.hooks = append(r.hooks, serverutil.ShutdownHook{Name: name, Fn: fn})
}

func (r *Resources) abort(err error) error {
	if closeErr := r.Close(context.Background()); closeErr != nil {
		r.Logger.Warn("cleanup after failed startup", "error", closeErr)
	}
	return err
}

// LogFailures drains the processor's failure channel until ctx ends.
func LogFailures(ctx context.Context, failures <-chan thumbnail.Failure, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-failures:
			if !ok {
				return
			}
			logger.Warn("thumbnail failure recorded",
				"job_id", f.JobID,
				"file_id", f.FileID,
				"user_id", f.UserID,
				"permanent", f.Permanent,
				"failed_widths", f.FailedWidths,
			)
		}
	}
}

// NewLogger builds the process logger from cfg and installs it as the
// slog default.
func NewLogger(cfg config.Config) *slog.Logger {
	return logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
