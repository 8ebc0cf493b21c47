// Command worker runs the pipeline: it claims queued jobs, advances each
// one phase transition via the orchestrator engine, and persists/publishes
// progress as it goes. Run as many replicas as needed; claims are
// coordinated through Postgres row locking, not in-process state.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/cache"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/config"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/jobqueue"
	"github.com/kenji11/adforge/internal/media"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/progress"
	"github.com/kenji11/adforge/internal/stage/chunks"
	"github.com/kenji11/adforge/internal/stage/plan"
	"github.com/kenji11/adforge/internal/stage/refine"
	"github.com/kenji11/adforge/internal/stage/storyboard"
	"github.com/kenji11/adforge/internal/temporalx"
	"github.com/kenji11/adforge/internal/temporalx/jobrun"
	"github.com/kenji11/adforge/internal/temporalx/temporalworker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer appLog.Sync()

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.Branch{}, &domain.Checkpoint{}, &domain.Artifact{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	redisCache, rdb, err := cache.NewRedisCache(appLog, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	bus := cache.NewRedisBus(appLog, rdb)

	var signerKey []byte
	if cfg.GCSPrivateKeyPath != "" {
		signerKey, err = os.ReadFile(cfg.GCSPrivateKeyPath)
		if err != nil {
			return fmt.Errorf("read gcs signer key: %w", err)
		}
	}
	blobStore, err := blob.NewGCSStore(ctx, appLog, blob.Config{
		Bucket:        cfg.GCSBucket,
		CDNDomain:     cfg.GCSCDNDomain,
		SignerEmail:   cfg.GCSSignerEmail,
		PrivateKeyPEM: signerKey,
	})
	if err != nil {
		return fmt.Errorf("connect blob store: %w", err)
	}

	jobs := jobrepo.New(db)
	ckpts := checkpointrepo.New(db)
	mediaProc := media.NewProcessor(cfg.FFmpegPath, cfg.FFprobePath)
	progressChan := progress.New(appLog, jobs, redisCache, bus, cfg.RedisChannel)

	registry := orchestrator.NewRegistry()
	registry.Register(plan.New())
	registry.Register(storyboard.New())
	registry.Register(chunks.New())
	registry.Register(refine.New())

	engine := orchestrator.NewEngine(appLog, registry, ckpts, jobs)

	providers := jobqueue.Providers{
		Planner: capability.NewPlannerAdapter(cfg.PlannerEndpoint, cfg.PlannerAPIKey),
		Image:   capability.NewImageAdapter(cfg.ImageEndpoint, cfg.ImageAPIKey),
		Video:   capability.NewVideoAdapter(cfg.VideoEndpoint, cfg.VideoAPIKey),
		Music:   capability.NewMusicAdapter(cfg.MusicEndpoint, cfg.MusicAPIKey),
	}

	if cfg.TemporalEnabled() {
		tc, err := temporalx.NewClient(appLog)
		if err != nil {
			return fmt.Errorf("connect temporal: %w", err)
		}
		acts := &jobrun.Activities{
			Log:                   appLog,
			Jobs:                  jobs,
			Ckpts:                 ckpts,
			Blobs:                 blobStore,
			Media:                 mediaProc,
			Progress:              progressChan,
			Engine:                engine,
			Planner:               providers.Planner,
			Image:                 providers.Image,
			Video:                 providers.Video,
			Music:                 providers.Music,
			StoryboardConcurrency: cfg.StoryboardConcurrency,
			ChunkGroupConcurrency: cfg.ChunkGroupConcurrency,
		}
		runner, err := temporalworker.NewRunner(appLog, tc, acts)
		if err != nil {
			return fmt.Errorf("build temporal worker: %w", err)
		}
		appLog.Info("worker: starting (temporal driver)", "task_queue", cfg.TemporalTaskQueue)
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	} else {
		w := jobqueue.New(appLog, jobs, ckpts, blobStore, mediaProc, progressChan, engine, providers, jobqueue.Config{
			Concurrency:           cfg.WorkerConcurrency,
			PollInterval:          cfg.WorkerPollInterval,
			MaxAttempts:           cfg.JobMaxAttempts,
			RetryDelay:            cfg.JobRetryDelay,
			StaleRunning:          cfg.JobStaleRunning,
			StoryboardConcurrency: cfg.StoryboardConcurrency,
			ChunkGroupConcurrency: cfg.ChunkGroupConcurrency,
		})

		appLog.Info("worker: starting (db-poll driver)", "concurrency", cfg.WorkerConcurrency)
		w.Start(ctx)
	}

	<-ctx.Done()
	appLog.Info("worker: shutting down")
	return nil
}
