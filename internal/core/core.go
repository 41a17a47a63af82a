// Package core wires every capability and service into one explicit
// context object, replacing the global singletons / module-level state
// the teacher's cmd/worker/main.go relied on (spec §9 Design Notes:
// "replace with an explicit Core context object constructed at startup
// that holds the capability handles... Pass by reference; no hidden
// globals").
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/docuflow/internal/accesslog"
	"github.com/adverant/docuflow/internal/blobstore"
	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/clock"
	"github.com/adverant/docuflow/internal/config"
	"github.com/adverant/docuflow/internal/document"
	"github.com/adverant/docuflow/internal/logging"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/ocrqueue"
	"github.com/adverant/docuflow/internal/ocrservice"
	"github.com/adverant/docuflow/internal/secrets"
	"github.com/adverant/docuflow/internal/storage"
	"github.com/adverant/docuflow/internal/validation"
)

// secretsCacheTTL bounds how long a fetched credential (e.g. an S3
// access key rotated out from under a long-running worker) stays cached
// before the next Fetch re-reads the backing store.
const secretsCacheTTL = 5 * time.Minute

// Core holds every capability handle and top-level service, constructed
// once at process startup and passed by reference to every entrypoint
// (cmd/worker, cmd/docuflowctl).
type Core struct {
	Config *config.Config
	Log    *logging.Logger

	Clock clock.Clock
	IDs   clock.IdGen

	Store   metastore.Store
	Blobs   capability.BlobStore
	Engine  capability.OCREngine
	Secrets capability.SecretsProvider

	Validator *validation.Service
	Storage   *storage.Service
	Sweeper   *storage.OrphanSweeper
	OCR       *ocrservice.Service
	AccessLog *accesslog.Logger
	Queue     *ocrqueue.Queue
	Documents *document.Service
}

// New builds a Core from cfg, selecting the MetaStore/BlobStore
// implementations and wake-notification backends the config names
// (spec §6.5: METASTORE_KIND, BLOBSTORE_KIND, REDIS_URL).
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	log := logging.NewLogger("core")

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init metastore: %w", err)
	}

	secretsProvider := secrets.New(secrets.FromEnv(), secretsCacheTTL)

	blobs, err := newBlobStore(ctx, cfg, secretsProvider)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init blobstore: %w", err)
	}

	clk := clock.Real{}
	ids := clock.UUIDGen{}

	validator := validation.New(cfg)
	storageSvc := storage.New(blobs, clk, cfg, bucketFor(cfg))
	sweeper := storage.NewOrphanSweeper(store, blobs, "documents/")

	engine := ocrservice.NewTesseractEngine(cfg.TesseractPath, cfg.OCRRateLimitRPS)
	ocrSvc := ocrservice.New(engine, cfg.SupportedFormats)

	accessLog := accesslog.New(store)

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		log.Warn("wake notifier unavailable, falling back to poll-only dispatch", "error", err.Error())
		notifier = nil
	}
	queue := ocrqueue.New(store, blobs, ocrSvc, clk, ids, cfg, notifier)

	docs := document.New(store, validator, storageSvc, queue, accessLog, clk, ids, cfg)

	return &Core{
		Config:    cfg,
		Log:       log,
		Clock:     clk,
		IDs:       ids,
		Store:     store,
		Blobs:     blobs,
		Engine:    engine,
		Secrets:   secretsProvider,
		Validator: validator,
		Storage:   storageSvc,
		Sweeper:   sweeper,
		OCR:       ocrSvc,
		AccessLog: accessLog,
		Queue:     queue,
		Documents: docs,
	}, nil
}

func newStore(cfg *config.Config) (metastore.Store, error) {
	switch cfg.MetaStoreKind {
	case "bolt":
		return metastore.NewBoltStore(cfg.BoltPath)
	default:
		return metastore.NewPostgresStore(cfg.DatabaseURL)
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, secretsProvider capability.SecretsProvider) (capability.BlobStore, error) {
	switch cfg.BlobStoreKind {
	case "s3":
		return blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, secretsProvider)
	default:
		return blobstore.NewLocalFS(cfg.LocalFSRoot)
	}
}

func bucketFor(cfg *config.Config) string {
	if cfg.BlobStoreKind == "s3" {
		return cfg.S3Bucket
	}
	return cfg.LocalFSRoot
}

// newNotifier builds the dual wake-notification channel (spec §5):
// Redis Pub/Sub and Asynq both layered over the local fallback, so a
// dispatcher wakes on whichever fires first. Either backend failing to
// connect (e.g. REDIS_URL unset or unreachable) is non-fatal — the
// dispatcher's poll ticker still guarantees forward progress.
func newNotifier(ctx context.Context, cfg *config.Config) (ocrqueue.Notifier, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("no REDIS_URL configured")
	}
	redisNotifier, err := ocrqueue.NewRedisNotifier(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: %w", err)
	}
	asynqNotifier, err := ocrqueue.NewAsynqNotifier(cfg.RedisURL)
	if err != nil {
		redisNotifier.Close()
		return nil, fmt.Errorf("asynq notifier: %w", err)
	}
	return ocrqueue.NewMultiNotifier(ctx, redisNotifier, asynqNotifier), nil
}

// Close releases every owned resource in reverse dependency order.
func (c *Core) Close() error {
	var firstErr error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
