// Command server runs the HTTP API: job creation, status/stream reads,
// checkpoint inspection and editing. It claims no jobs itself — that is
// cmd/worker's job — so it can scale independently of pipeline execution.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"github.com/kenji11/adforge/internal/httpapi"
	"github.com/kenji11/adforge/internal/jobsvc"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/sse"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

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

	redisCache, rdb, err := cache.NewRedisCache(log, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	bus := cache.NewRedisBus(log, rdb)

	var signerKey []byte
	if cfg.GCSPrivateKeyPath != "" {
		signerKey, err = os.ReadFile(cfg.GCSPrivateKeyPath)
		if err != nil {
			return fmt.Errorf("read gcs signer key: %w", err)
		}
	}
	blobStore, err := blob.NewGCSStore(ctx, log, blob.Config{
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
	svc := jobsvc.New(log, jobs, ckpts, blobStore, redisCache)

	image := capability.NewImageAdapter(cfg.ImageEndpoint, cfg.ImageAPIKey)
	video := capability.NewVideoAdapter(cfg.VideoEndpoint, cfg.VideoAPIKey)

	hub := sse.NewHub(log)
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	if err := hub.ForwardFromBus(hubCtx, bus, cfg.RedisChannel); err != nil {
		return fmt.Errorf("start sse forwarder: %w", err)
	}

	handler := httpapi.NewJobsHandler(log, jobs, ckpts, blobStore, redisCache, svc, hub, image, video)
	router := httpapi.NewRouter(log, jobs, handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server: graceful shutdown failed", "error", err)
		}
	}()

	log.Info("server: listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
