// Package progress implements the Progress Channel (C5): the single
// sanctioned path for mutating a job's status/stage/progress/message,
// mirroring the teacher's runtime.Context.Progress/Fail/Succeed discipline
// but fed by both a cache write and a durable write plus a pub/sub
// publish, instead of only a durable write plus an in-process broadcast.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/cache"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
)

type Channel struct {
	log   *logger.Logger
	jobs  jobrepo.Repo
	cache cache.Cache
	bus   cache.Publisher

	topic string

	mu      sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(log *logger.Logger, jobs jobrepo.Repo, c cache.Cache, bus cache.Publisher, topic string) *Channel {
	return &Channel{
		log:   log.With("component", "ProgressChannel"),
		jobs:  jobs,
		cache: c,
		bus:   bus,
		topic: topic,
		locks: map[uuid.UUID]*sync.Mutex{},
	}
}

func (ch *Channel) lockFor(jobID uuid.UUID) *sync.Mutex {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	l, ok := ch.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		ch.locks[jobID] = l
	}
	return l
}

// Update writes stage/progress/message for a single job. It never lets a
// stale writer move progress backwards or resurrect a canceled job.
func (ch *Channel) Update(ctx context.Context, job *domain.Job, stage string, pct int, message string) error {
	l := ch.lockFor(job.ID)
	l.Lock()
	defer l.Unlock()

	if pct < job.Progress {
		pct = job.Progress
	}
	now := time.Now().UTC()
	applied, err := ch.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, job.ID, []string{string(domain.JobStatusCanceled)}, map[string]any{
		"status":       domain.JobStatusRunning,
		"stage":        stage,
		"progress":     pct,
		"message":      message,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return fmt.Errorf("progress: update job %s: %w", job.ID, err)
	}
	if !applied {
		return nil
	}
	job.Status = domain.JobStatusRunning
	job.Stage = stage
	job.Progress = pct
	job.Message = message

	ev := cache.Event{JobID: job.ID.String(), Status: string(job.Status), Stage: stage, Progress: pct, Message: message}
	ch.publish(ctx, job, ev)
	return nil
}

func (ch *Channel) Fail(ctx context.Context, job *domain.Job, stage string, cause error) error {
	l := ch.lockFor(job.ID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	err := ch.jobs.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, map[string]any{
		"status":        domain.JobStatusFailed,
		"stage":         stage,
		"error":         errMsg,
		"locked_at":     nil,
		"last_error_at": now,
		"updated_at":    now,
	})
	if err != nil {
		return fmt.Errorf("progress: fail job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatusFailed
	job.Stage = stage
	job.Error = errMsg

	ev := cache.Event{JobID: job.ID.String(), Status: string(job.Status), Stage: stage, Progress: job.Progress, Error: errMsg}
	ch.publish(ctx, job, ev)
	return nil
}

func (ch *Channel) Succeed(ctx context.Context, job *domain.Job, finalStage string) error {
	l := ch.lockFor(job.ID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	err := ch.jobs.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, map[string]any{
		"status":     domain.JobStatusSucceeded,
		"stage":      finalStage,
		"progress":   100,
		"locked_at":  nil,
		"updated_at": now,
	})
	if err != nil {
		return fmt.Errorf("progress: succeed job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatusSucceeded
	job.Stage = finalStage
	job.Progress = 100

	ev := cache.Event{JobID: job.ID.String(), Status: string(job.Status), Stage: finalStage, Progress: 100}
	ch.publish(ctx, job, ev)
	return nil
}

// WaitCheckpoint transitions a job into waiting_checkpoint: it is not
// running, not failed, and not terminal; a client action (approve/edit/
// fork) is required to move it forward.
func (ch *Channel) WaitCheckpoint(ctx context.Context, job *domain.Job, stage string, pct int, message string) error {
	l := ch.lockFor(job.ID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	_, err := ch.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, job.ID, []string{string(domain.JobStatusCanceled)}, map[string]any{
		"status":       domain.JobStatusWaitingCheckpoint,
		"stage":        stage,
		"progress":     pct,
		"message":      message,
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return fmt.Errorf("progress: wait checkpoint job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatusWaitingCheckpoint
	job.Stage = stage
	job.Progress = pct
	job.Message = message

	ev := cache.Event{JobID: job.ID.String(), Status: string(job.Status), Stage: stage, Progress: pct, Message: message}
	ch.publish(ctx, job, ev)
	return nil
}

func (ch *Channel) publish(ctx context.Context, job *domain.Job, ev cache.Event) {
	cacheKey := cache.JobStatusKey(job.ID.String())
	if err := ch.cache.SetJSON(ctx, cacheKey, ev, time.Hour); err != nil {
		ch.log.Warn("progress: cache write failed", "job_id", job.ID, "error", err)
	}
	if ch.bus == nil {
		return
	}
	if err := ch.bus.Publish(ctx, ch.topic, ev); err != nil {
		ch.log.Warn("progress: publish failed", "job_id", job.ID, "error", err)
	}
}
