// Package jobqueue is the execution engine for the Postgres-backed job
// queue: it polls for claimable jobs, wraps each claim with a heartbeat
// and panic recovery, and hands the claim to the pipeline orchestrator —
// following the same shape as the teacher's worker_v2 pool, adapted from
// a job_type dispatch table to a single Engine.Tick call per claim.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/media"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/progress"
)

// Providers bundles the four capability adapters a RunContext needs; kept
// as one struct so Worker's constructor doesn't grow a parameter per
// provider as new ones are added.
type Providers struct {
	Planner capability.Adapter
	Image   capability.Adapter
	Video   capability.Adapter
	Music   capability.Adapter
}

type Config struct {
	Concurrency           int
	PollInterval          time.Duration
	MaxAttempts           int
	RetryDelay            time.Duration
	StaleRunning          time.Duration
	StoryboardConcurrency int
	ChunkGroupConcurrency int
}

// Worker polls jobrepo for claimable rows and advances each one exactly
// one phase transition via the orchestrator Engine, matching the
// teacher's one-claim one-stage-attempt discipline.
type Worker struct {
	log       *logger.Logger
	jobs      jobrepo.Repo
	ckpts     checkpointrepo.Repo
	blobs     blob.Store
	media     *media.Processor
	progress  *progress.Channel
	engine    *orchestrator.Engine
	providers Providers
	cfg       Config
}

func New(log *logger.Logger, jobs jobrepo.Repo, ckpts checkpointrepo.Repo, blobs blob.Store, media *media.Processor, progress *progress.Channel, engine *orchestrator.Engine, providers Providers, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		log:       log.With("component", "JobWorker"),
		jobs:      jobs,
		ckpts:     ckpts,
		blobs:     blobs,
		media:     media,
		progress:  progress,
		engine:    engine,
		providers: providers,
		cfg:       cfg,
	}
}

// Start launches the worker pool; each goroutine runs an independent
// runLoop that claims and advances jobs. The DB-level SKIP LOCKED claim
// in jobrepo is what keeps two goroutines (or two processes) from
// running the same job concurrently.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting job worker pool", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.MaxAttempts, w.cfg.RetryDelay, w.cfg.StaleRunning)
			if err != nil {
				w.log.Warn("claim next runnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.handle(ctx, workerID, job)
		}
	}
}

func (w *Worker) handle(ctx context.Context, workerID int, job *domain.Job) {
	stopHB := w.startHeartbeat(ctx, job.ID)
	defer stopHB()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "worker_id", workerID, "job_id", job.ID, "panic", r)
			_ = w.progress.Fail(ctx, job, job.Stage, &panicError{Val: r})
		}
	}()

	if job.CurrentBranchID == nil {
		w.log.Error("job has no current branch", "worker_id", workerID, "job_id", job.ID)
		_ = w.progress.Fail(ctx, job, job.Stage, errNoBranch)
		return
	}
	branchID := *job.CurrentBranchID

	rc := &orchestrator.RunContext{
		Ctx:                   ctx,
		Job:                   job,
		BranchID:              branchID,
		Progress:              w.progress,
		Log:                   w.log,
		Checkpoints:           w.ckpts,
		Blob:                  w.blobs,
		Media:                 w.media,
		Planner:               w.providers.Planner,
		Image:                 w.providers.Image,
		Video:                 w.providers.Video,
		Music:                 w.providers.Music,
		StoryboardConcurrency: w.cfg.StoryboardConcurrency,
		ChunkGroupConcurrency: w.cfg.ChunkGroupConcurrency,
	}

	if err := w.engine.Tick(rc); err != nil {
		// Most phases fail themselves via Progress.Fail; this is a safety net
		// for an error that escaped the engine's own classification.
		w.log.Error("tick returned error", "worker_id", workerID, "job_id", job.ID, "error", err)
	}
}

func (w *Worker) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.jobs.Heartbeat(dbctx.Context{Ctx: ctx}, jobID); err != nil {
					w.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }

var errNoBranch = errors.New("jobqueue: job has no current_branch_id")
